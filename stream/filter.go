package stream

import (
	"github.com/hashicorp/go-bexpr"
)

// filterFields is the struct bexpr evaluates predicates against. It
// exposes exactly the metadata a subscription is allowed to filter
// on, generalizing closerforever-nomad's hand-rolled topic/key
// filter() into a real boolean expression language (e.g.
// `Topic == "order" and Key matches "^acct-"`).
type filterFields struct {
	Topic string
	Key   string
}

// eventFilter is a compiled OpenStreamFiltered predicate.
type eventFilter struct {
	eval *bexpr.Evaluator
}

func newEventFilter(expression string) (*eventFilter, error) {
	eval, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return nil, err
	}
	return &eventFilter{eval: eval}, nil
}

func (f *eventFilter) matches(event TrackedEvent) bool {
	if f == nil {
		return true
	}
	ok, err := f.eval.Evaluate(filterFields{Topic: event.Topic, Key: event.Key})
	if err != nil {
		return false
	}
	return ok
}
