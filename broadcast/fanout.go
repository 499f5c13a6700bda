package broadcast

import "taskboard/domain"

// Fanout forwards each event to every publisher in order.
type Fanout []domain.Publisher

func (f Fanout) Publish(ev domain.ChangeEvent) {
	for _, p := range f {
		if p != nil {
			p.Publish(ev)
		}
	}
}
