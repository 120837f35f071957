package policy

import "math/rand/v2"

var (
	adjectives = []string{
		"admiring", "agitated", "amazing", "awesome", "blissful", "bold",
		"brave", "busy", "charming", "clever", "cool", "dazzling",
		"determined", "eager", "ecstatic", "elastic", "epic", "focused",
		"friendly", "gallant", "gifted", "happy", "hopeful", "jolly",
		"keen", "laughing", "lucid", "modest", "nifty", "nostalgic",
		"optimistic", "peaceful", "quirky", "relaxed", "serene", "sharp",
		"stoic", "tender", "upbeat", "vibrant", "wizardly", "zealous",
	}

	surnames = []string{
		"babbage", "bardeen", "bell", "bohr", "boole", "cerf", "curie",
		"darwin", "dijkstra", "einstein", "euler", "faraday", "fermi",
		"feynman", "galileo", "gauss", "hopper", "hypatia", "kepler",
		"knuth", "lamport", "leakey", "lovelace", "maxwell", "meitner",
		"mendel", "newton", "noether", "pascal", "pasteur", "planck",
		"ritchie", "sagan", "shannon", "tesla", "thompson", "torvalds",
		"turing", "wozniak", "yalow",
	}
)

// randomName returns a name like "focused_turing".
func randomName() string {
	return adjectives[rand.IntN(len(adjectives))] + "_" + surnames[rand.IntN(len(surnames))]
}
