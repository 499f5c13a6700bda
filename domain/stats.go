package domain

// Stats summarizes the task collection.
type Stats struct {
	Total      int              `json:"total"`
	ByPriority map[Priority]int `json:"byPriority"`
}

// ComputeStats counts tasks per priority. Every priority is present in the
// result, zero counts included.
func ComputeStats(tasks []Task) Stats {
	s := Stats{ByPriority: make(map[Priority]int, len(Priorities))}
	for _, p := range Priorities {
		s.ByPriority[p] = 0
	}
	for _, t := range tasks {
		s.ByPriority[t.Priority]++
		s.Total++
	}
	return s
}
