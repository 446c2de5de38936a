package pubsubemu

import "time"

const (
	minRetentionDuration = 10 * time.Minute
	maxRetentionDuration = 7 * 24 * time.Hour
)

// Topic is a registered publish destination. Destroying a topic detaches
// its subscriptions rather than deleting them — they stop receiving new
// messages but keep whatever is already queued until it is consumed or
// retention-expires.
type Topic struct {
	Name              string
	Labels            map[string]string
	SchemaRef         string
	RetentionDuration time.Duration
	Deleted           bool

	subscriptions map[string]struct{}
}

func newTopic(name string, opts TopicOptions) (*Topic, error) {
	retention := opts.RetentionDuration
	if retention == 0 {
		retention = DefaultTopicOptions().RetentionDuration
	}
	if retention < minRetentionDuration || retention > maxRetentionDuration {
		return nil, ErrInvalidArgument("topic retention duration must be between 10m and 7d")
	}
	return &Topic{
		Name:              name,
		Labels:            opts.Labels,
		SchemaRef:         opts.SchemaRef,
		RetentionDuration: retention,
		subscriptions:     make(map[string]struct{}),
	}, nil
}
