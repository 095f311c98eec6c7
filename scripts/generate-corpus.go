//go:build ignore

// Package main generates a synthetic multi-source corpus as JSON lines for
// load testing `unisearch index` and query latency.
// Usage: go run scripts/generate-corpus.go -docs 10000 > corpus.jsonl
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/Aman-CERP/unisearch/internal/document"
)

var (
	numDocs = flag.Int("docs", 1000, "Number of documents to generate")
	seed    = flag.Int64("seed", 42, "Random seed for reproducibility")
	days    = flag.Int("days", 365, "Spread created_at over this many past days")
)

var (
	people   = []string{"ana", "bo", "chen", "dara", "eli", "fatima", "goran", "hana"}
	topics   = []string{"budget", "roadmap", "invoice", "deploy", "hiring", "security", "outage", "launch", "migration", "review"}
	nouns    = []string{"report", "plan", "update", "draft", "notes", "proposal", "summary", "checklist"}
	fillers  = []string{"please", "attached", "tomorrow", "meeting", "numbers", "customer", "quarter", "timeline", "owner", "follow", "up", "decision"}
	quarters = []string{"q1", "q2", "q3", "q4"}
)

// kind maps a source to its content type and a URL pattern.
type kind struct {
	source      string
	contentType document.ContentType
	url         string
}

var kinds = []kind{
	{"mail", document.ContentEmail, ""},
	{"wiki", document.ContentPage, "https://wiki.example.com/%s"},
	{"issues", document.ContentIssue, "https://tracker.example.com/%s"},
	{"chat", document.ContentMessage, ""},
}

func pick(r *rand.Rand, pool []string) string {
	return pool[r.Intn(len(pool))]
}

func sentence(r *rand.Rand, topic string, n int) string {
	words := make([]string, 0, n+1)
	words = append(words, topic)
	for range n {
		words = append(words, pick(r, fillers))
	}
	r.Shuffle(len(words), func(i, j int) { words[i], words[j] = words[j], words[i] })
	return strings.Join(words, " ") + "."
}

func generate(r *rand.Rand, i int, now time.Time) document.Document {
	k := kinds[r.Intn(len(kinds))]
	topic := pick(r, topics)
	id := fmt.Sprintf("%s-%06d", k.source, i)
	created := now.Add(-time.Duration(r.Int63n(int64(*days) * int64(24*time.Hour))))

	doc := document.Document{
		ID:          id,
		Source:      k.source,
		Title:       fmt.Sprintf("%s %s %s", strings.ToUpper(pick(r, quarters)), topic, pick(r, nouns)),
		Author:      pick(r, people) + "@example.com",
		Tags:        []string{topic, pick(r, quarters)},
		ContentType: k.contentType,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Duration(r.Intn(72)) * time.Hour),
	}
	var body strings.Builder
	for range 2 + r.Intn(6) {
		body.WriteString(sentence(r, topic, 6+r.Intn(10)))
		body.WriteByte(' ')
	}
	doc.Body = strings.TrimSpace(body.String())
	if k.contentType == document.ContentEmail {
		doc.Recipients = []string{pick(r, people) + "@example.com"}
	}
	if k.url != "" {
		doc.URL = fmt.Sprintf(k.url, id)
	}
	return doc
}

func main() {
	flag.Parse()
	r := rand.New(rand.NewSource(*seed))
	now := time.Now().UTC().Truncate(time.Second)

	w := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(w)
	for i := range *numDocs {
		if err := enc.Encode(generate(r, i, now)); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "flush: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Generated %d documents.\n", *numDocs)
}
