package memory

// PersistenceSummary aggregates operation results for logs and job records.
type PersistenceSummary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Operations map[Event]int `json:"operations"`
}

// Summarize counts results by outcome and by event.
func Summarize(results []OperationResult) PersistenceSummary {
	s := PersistenceSummary{
		Total:      len(results),
		Operations: make(map[Event]int, len(Events)),
	}
	for _, e := range Events {
		s.Operations[e] = 0
	}
	for _, r := range results {
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		s.Operations[r.Operation]++
	}
	return s
}

// ChangedCount is the number of successful operations other than NONE.
func ChangedCount(results []OperationResult) int {
	n := 0
	for _, r := range results {
		if r.Success && r.Operation != EventNone {
			n++
		}
	}
	return n
}
