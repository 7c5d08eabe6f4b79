package provider

import (
	"context"
	"math/rand/v2"
	"time"
)

// Dummy is a local stand-in gateway for development.
type Dummy struct{}

func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) SendText(ctx context.Context, to, body string) (string, error) {
	// Simulate latency and occasional failures.
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if rand.IntN(100) < 3 { // ~3% failure
		return "", &Error{Kind: KindTransient, Msg: "simulated temporary error"}
	}
	return "prov-" + randomID(), nil
}

func (d *Dummy) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	return d.SendText(ctx, to, caption)
}

func (d *Dummy) CheckReachability(ctx context.Context, numbers []string) ([]Reachability, error) {
	out := make([]Reachability, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, Reachability{Number: n, Reachable: true})
	}
	return out, nil
}

func randomID() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}
