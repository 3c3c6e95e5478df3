package lifecycle

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	joinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookroom_story_joins_total",
		Help: "Participations created, including creators.",
	})
	joinRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookroom_story_join_rejections_total",
		Help: "Join attempts rejected, by reason.",
	}, []string{"reason"})
	readyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookroom_fragments_ready_total",
		Help: "Fragments marked ready for the first time.",
	})
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookroom_stories_published_total",
		Help: "Stories assembled and published.",
	})
)

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrStoryNotFound):
		return "not_found"
	case errors.Is(err, ErrStoryFull):
		return "full"
	case errors.Is(err, ErrStoryNotJoinable):
		return "not_joinable"
	default:
		return "error"
	}
}
