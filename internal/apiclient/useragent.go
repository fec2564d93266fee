package apiclient

import (
	"math/rand"
	"sync"
)

// Desktop Windows strings; some upstreams serve different (or no) payloads to
// obviously non-browser agents.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/109.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/107.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Edge/109.0.1518.78",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Firefox/109.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/109.0",
}

var uaMu sync.Mutex

// RandomUserAgent returns one string from the rotation pool.
func RandomUserAgent() string {
	uaMu.Lock()
	defer uaMu.Unlock()
	return userAgents[rand.Intn(len(userAgents))]
}

// uaSequence returns a random permutation of the pool so one call's attempts
// never repeat a string while the pool is large enough.
func uaSequence() []string {
	uaMu.Lock()
	defer uaMu.Unlock()
	seq := make([]string, len(userAgents))
	copy(seq, userAgents)
	rand.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })
	return seq
}
