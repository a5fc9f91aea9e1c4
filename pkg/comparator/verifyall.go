package comparator

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veristream-io/veristream/pkg/verify"
)

// VerifyAll fans one round of live samples out to the comparators in
// parallel and converts each answer into a verification event.
//
// Partial coverage is tolerated: a comparator that errors, or a modality
// with no sample this round, simply contributes no event. A missing
// modality is never treated as a failed check.
func VerifyAll(ctx context.Context, comparators []Comparator, subjectID string, samples map[verify.Modality][]byte) []verify.Event {
	var (
		mu     sync.Mutex
		events []verify.Event
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comparators {
		c := c
		sample, ok := samples[c.Modality()]
		if !ok {
			continue
		}

		g.Go(func() error {
			result, err := c.Verify(ctx, subjectID, sample)
			if err != nil {
				log.Printf("[Comparator] %s verify for %s: %v", c.Modality(), subjectID, err)
				return nil
			}

			mu.Lock()
			events = append(events, result.Event(c.Modality()))
			mu.Unlock()
			return nil
		})
	}

	// Workers only report nil; Wait is for completion, not errors.
	_ = g.Wait()
	return events
}

// EnrollAll registers a subject's reference samples with every comparator
// that has a sample for its modality. Unlike VerifyAll, an enrollment
// failure is an error: a session must not start half-enrolled.
func EnrollAll(ctx context.Context, comparators []Comparator, subjectID string, samples map[verify.Modality][]byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range comparators {
		c := c
		sample, ok := samples[c.Modality()]
		if !ok {
			continue
		}
		g.Go(func() error {
			return c.Enroll(ctx, subjectID, sample)
		})
	}
	return g.Wait()
}
