package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/run"
)

const synthTokenDelay = 20 * time.Millisecond

// Synthesize streams a naive word-level merge of the selected panel finals
// onto the run's event channel. An empty include set selects every recorded
// final.
func (c *Coordinator) Synthesize(ctx context.Context, r *run.Run, instruction string, include []string) {
	finals := r.Finals()
	if len(include) == 0 {
		include = r.FinalIDs()
	}
	var parts []string
	for _, id := range include {
		if final, ok := finals[id]; ok {
			parts = append(parts, final)
		}
	}

	r.Publish(events.KindSynthStart, events.SynthStart{Include: include})

	combined := strings.Join(parts, " / ")
	words := strings.Split(strings.TrimSpace(instruction+" "+combined), " ")
	var buf []string
	for _, word := range words {
		if ctx.Err() != nil {
			return
		}
		buf = append(buf, word)
		r.Publish(events.KindSynthToken, events.SynthToken{Token: word + " "})
		c.sleep(ctx, synthTokenDelay)
	}

	r.Publish(events.KindSynthFinal, events.SynthFinal{Final: strings.TrimSpace(strings.Join(buf, " "))})
}
