package otp

import (
	"bufio"
	"log"
	"strings"

	_ "embed"
)

//go:embed dictionary.txt
var dictionaryData string

const dictionarySize = 2048

var (
	dictionary [dictionarySize]string
	wordIndex  map[string]uint16
)

func init() {
	wordIndex = make(map[string]uint16, dictionarySize)
	scanner := bufio.NewScanner(strings.NewReader(dictionaryData))
	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, word := range strings.Fields(line) {
			if n >= dictionarySize {
				log.Fatalf("Embedded dictionary.txt has more than %d words", dictionarySize)
			}
			dictionary[n] = word
			wordIndex[word] = uint16(n)
			n++
		}
	}
	if n != dictionarySize {
		log.Fatalf("Embedded dictionary.txt has %d words, expected %d", n, dictionarySize)
	}
}

// Word returns the dictionary entry for an 11-bit index.
func Word(i int) (string, bool) {
	if i < 0 || i >= dictionarySize {
		return "", false
	}
	return dictionary[i], true
}

// WordIndex looks a word up case-insensitively.
func WordIndex(word string) (int, bool) {
	i, ok := wordIndex[strings.ToUpper(word)]
	return int(i), ok
}
