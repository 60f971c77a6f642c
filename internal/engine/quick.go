package engine

import (
	"context"

	"github.com/klauskode/klaus-kode/internal/runlog"
)

// loggedPrompter records every quick query as a subprocess entry.
type loggedPrompter struct {
	next Prompter
	log  *runlog.Logger
}

// WithLog wraps p so each query is recorded in log as
// "claude quick <name>" with its answer or error.
func WithLog(p Prompter, log *runlog.Logger) Prompter {
	return &loggedPrompter{next: p, log: log}
}

func (p *loggedPrompter) Prompt(ctx context.Context, req QuickRequest) (string, error) {
	out, err := p.next.Prompt(ctx, req)
	if err != nil {
		p.log.Subprocess([]string{"claude", "quick", req.Name}, 1, out, err.Error())
		return out, err
	}
	p.log.Subprocess([]string{"claude", "quick", req.Name}, 0, out, "")
	return out, nil
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, req QuickRequest) (string, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, req QuickRequest) (string, error) {
	return f(ctx, req)
}
