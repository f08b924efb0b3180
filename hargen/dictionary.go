package hargen

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

// used when no word file exists (windows, containers)
var fallbackWords = []string{
	"account", "address", "basket", "billing", "catalog", "checkout", "comment",
	"contact", "coupon", "delivery", "invoice", "journal", "ledger", "message",
	"notice", "order", "payment", "profile", "product", "receipt", "refund",
	"report", "review", "search", "setting", "shipment", "statement", "summary",
	"ticket", "transfer", "voucher", "wallet", "warehouse", "wishlist",
	"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi",
	"ivan", "judy", "mallory", "oscar", "peggy", "trent", "victor", "walter",
}

// Dictionary supplies the words used for page slugs, user names and upload names.
type Dictionary struct {
	words []string
}

// LoadDictionary reads one word per line, keeping lowercase alphabetic words of 3 to 15
// letters. A missing file yields the built-in word list.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return &Dictionary{words: fallbackWords}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Dictionary{words: fallbackWords}, nil
		}
		return nil, fmt.Errorf("failed to open dictionary: %w", err)
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if len(word) >= 3 && len(word) <= 15 && isLowerAlpha(word) {
			words = append(words, word)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dictionary: %w", err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("no usable words in dictionary %s", path)
	}
	return &Dictionary{words: words}, nil
}

func isLowerAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// Word picks a random word.
func (d *Dictionary) Word(rng *rand.Rand) string {
	return d.words[rng.Intn(len(d.words))]
}

// Sentence joins n random words with spaces.
func (d *Dictionary) Sentence(n int, rng *rand.Rand) string {
	words := make([]string, n)
	for i := range words {
		words[i] = d.Word(rng)
	}
	return strings.Join(words, " ")
}

func (d *Dictionary) Size() int {
	return len(d.words)
}
