package brain

// Escalation counts server errors that arrive without any download
// progress in between. A run gives up once the count reaches the threshold.
type Escalation struct {
	threshold  int
	count      int
	last       int
	downloaded int64
}

func NewEscalation(threshold int, downloaded int64) *Escalation {
	return &Escalation{threshold: max(threshold, 1), downloaded: downloaded}
}

// Observe records one error given the item's current byte count and
// reports whether the threshold has been reached.
func (e *Escalation) Observe(code int, downloaded int64) bool {
	if downloaded > e.downloaded {
		e.count = 0
	}
	e.downloaded = downloaded
	e.last = code
	e.count++
	return e.count >= e.threshold
}

func (e *Escalation) Count() int     { return e.count }
func (e *Escalation) Last() int      { return e.last }
func (e *Escalation) Threshold() int { return e.threshold }
