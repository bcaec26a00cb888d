// Package upstream provides in-process doubles of the provider HTTP APIs.
// Each handler speaks the wire format the corresponding real SDK expects,
// with configurable latency, failure injection, and reply length. The
// handlers back both the standalone mock command (mock/providers) and the
// adapter tests, so a gateway can run its full pipeline without real
// credentials.
package upstream

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Options tunes a mock handler's behaviour. The zero value serves instant,
// always-successful responses of defaultReplyWords words.
type Options struct {
	// Latency is added to every response before it is written.
	Latency time.Duration

	// FailureRate is the fraction [0,1] of requests answered with HTTP 500.
	FailureRate float64

	// ReplyWords is the length of generated completions in words.
	ReplyWords int
}

const defaultReplyWords = 10

func (o Options) replyWords() int {
	if o.ReplyWords <= 0 {
		return defaultReplyWords
	}
	return o.ReplyWords
}

func (o Options) delay() {
	if o.Latency > 0 {
		time.Sleep(o.Latency)
	}
}

func (o Options) fail() bool {
	return o.FailureRate > 0 && rand.Float64() < o.FailureRate
}

// wordPool feeds the reply generator.
var wordPool = []string{
	"the", "gateway", "relays", "this", "reply", "from", "a", "simulated",
	"model", "for", "testing", "and", "local", "development", "purposes",
	"with", "plausible", "token", "counts", "attached",
}

// reply builds a generated completion of roughly n words.
func reply(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(parts, " ") + "."
}

// vector builds a fake embedding of the given dimensionality.
func vector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
