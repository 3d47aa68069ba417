package sharing

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"go.uber.org/zap"
)

// Listener feeds distributed changes into the graph of every recipient named
// on the change. It implements distribution.Listener.
type Listener struct {
	graph  *Graph
	logger *zap.Logger
}

// NewListener binds a Listener to graph.
func NewListener(graph *Graph, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{graph: graph, logger: logger}
}

// OnChange notices change for each recipient. Unknown recipients are skipped;
// a failure for one recipient does not stop the others unless it is transient.
func (l *Listener) OnChange(ctx context.Context, tc *txn.Context, change *changes.Change, _ map[string]string) error {
	var failures []error
	for _, recipient := range change.Recipients {
		err := l.graph.NoticeChange(ctx, tc.DB(), recipient, change)
		switch {
		case err == nil:
		case txn.IsTransient(err):
			return err
		case errors.Is(err, entities.ErrUnknownEntity):
			l.logger.Debug("skipping unknown recipient", zap.String("recipient", recipient), zap.String("change_id", change.ID))
		default:
			l.logger.Warn("notice change failed",
				zap.String("recipient", recipient),
				zap.String("change_id", change.ID),
				zap.Error(err),
			)
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
