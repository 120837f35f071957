package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kscalelabs/kodachrome/model"
)

const policyExt = ".kinfer"

// commandArgs builds the evaluation program's argument list:
//
//	<subject> <robot> <profile> --out <artifact_dir> [extra...]
func (o *Orchestrator) commandArgs(req model.JobRequest, artifactDir string) []string {
	args := []string{
		resolveSubject(o.cfg.PolicyDir, req.Subject),
		req.Robot,
		req.Profile,
		"--out", artifactDir,
	}
	return append(args, o.cfg.ExtraArgs...)
}

// resolveSubject maps a bare policy nickname to the absolute path of
// <policyDir>/<nickname>.kinfer when that file exists. The program runs in its
// own work dir, so the path must not depend on ours. Anything that looks like
// a path is passed through.
func resolveSubject(policyDir, subject string) string {
	if policyDir == "" || strings.ContainsAny(subject, `/\`) || filepath.Ext(subject) != "" {
		return subject
	}
	p, err := filepath.Abs(filepath.Join(policyDir, subject+policyExt))
	if err != nil {
		return subject
	}
	if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
		return p
	}
	return subject
}
