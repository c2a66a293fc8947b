// Package naming generates human-readable word slugs for task IDs and
// output filenames (e.g. "amber-forest-thunder-pearl").
package naming

import (
	"strings"

	"github.com/google/uuid"
)

// wordlist holds 256 short, distinct English words so that a single
// byte indexes exactly one word.
var wordlist = [256]string{
	"ack", "alabama", "alanine", "alaska", "alpha", "angel", "apart", "april",
	"arizona", "arkansas", "artist", "asparagus", "aspen", "august", "autumn", "avocado",
	"bacon", "bakerloo", "batman", "beer", "berlin", "beryllium", "black", "blossom",
	"blue", "bluebird", "bravo", "bulldog", "burger", "butter", "california", "carbon",
	"cardinal", "carolina", "carpet", "cat", "ceiling", "charlie", "chicken", "coffee",
	"cola", "cold", "colorado", "comet", "connecticut", "crazy", "cup", "dakota",
	"december", "delaware", "delta", "diet", "don", "double", "early", "earth",
	"east", "echo", "edward", "eight", "eighteen", "eleven", "emma", "enemy",
	"equal", "failed", "fanta", "fifteen", "fillet", "finch", "fish", "five",
	"fix", "floor", "florida", "football", "four", "fourteen", "foxtrot", "freddie",
	"friend", "fruit", "gee", "georgia", "glucose", "golf", "green", "grey",
	"hamper", "happy", "harry", "hawaii", "helium", "high", "hot", "hotel",
	"hydrogen", "idaho", "illinois", "india", "indigo", "ink", "iowa", "island",
	"item", "jersey", "jig", "johnny", "juliet", "july", "jupiter", "kansas",
	"kentucky", "kilo", "king", "kitten", "lactose", "lake", "lamp", "lemon",
	"leopard", "lima", "lion", "lithium", "london", "louisiana", "low", "magazine",
	"magnesium", "maine", "mango", "march", "mars", "maryland", "massachusetts", "may",
	"mexico", "michigan", "mike", "minnesota", "mirror", "mississippi", "missouri", "mobile",
	"mockingbird", "monkey", "montana", "moon", "mountain", "muppet", "music", "nebraska",
	"neptune", "network", "nevada", "nine", "nineteen", "nitrogen", "north", "november",
	"nuts", "october", "ohio", "oklahoma", "one", "orange", "oranges", "oregon",
	"oscar", "oven", "oxygen", "papa", "paris", "pasta", "pennsylvania", "pip",
	"pizza", "pluto", "potato", "princess", "purple", "quebec", "queen", "quiet",
	"red", "river", "robert", "robin", "romeo", "rugby", "sad", "salami",
	"saturn", "september", "seven", "seventeen", "shade", "sierra", "single", "sink",
	"six", "sixteen", "skylark", "snake", "social", "sodium", "solar", "south",
	"spaghetti", "speaker", "spring", "stairway", "steak", "stream", "summer", "sweet",
	"table", "tango", "ten", "tennessee", "tennis", "texas", "thirteen", "three",
	"timing", "triple", "twelve", "twenty", "two", "uncle", "undress", "uniform",
	"uranus", "utah", "vegan", "venus", "vermont", "victor", "video", "violet",
	"virginia", "washington", "west", "whiskey", "white", "william", "winner", "winter",
	"wisconsin", "wolfram", "wyoming", "xray", "yankee", "yellow", "zebra", "zulu",
}

// RandomWordSlug returns a hyphenated slug of the given word count,
// derived from a random UUID. Panics if words is zero or exceeds 16
// (a UUID provides 16 bytes of entropy to fold).
func RandomWordSlug(words int) string {
	if words <= 0 || words > 16 {
		panic("naming: word count must be between 1 and 16")
	}
	return Humanize(uuid.New(), words)
}

// TaskID returns a fresh four-word task identifier
// (e.g. "amber-forest-thunder-pearl").
func TaskID() string {
	return RandomWordSlug(4)
}

// Humanize folds the 16 bytes of id into the requested number of words.
// Each word consumes an equal slice of the UUID; bytes within a slice
// are XORed together to index the wordlist. Deterministic for a given
// id and word count.
func Humanize(id uuid.UUID, words int) string {
	if words <= 0 || words > len(id) {
		panic("naming: word count must be between 1 and 16")
	}

	chunk := len(id) / words
	parts := make([]string, 0, words)
	for i := 0; i < words; i++ {
		var b byte
		for _, x := range id[i*chunk : (i+1)*chunk] {
			b ^= x
		}
		parts = append(parts, wordlist[b])
	}
	return strings.Join(parts, "-")
}
