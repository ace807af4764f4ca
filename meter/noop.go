package meter

import "github.com/orzion/chatcore"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ chatcore.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRoute(chatcore.RouteEvent)   {}
func (m *NoopMeter) OnResult(chatcore.ResultEvent) {}
