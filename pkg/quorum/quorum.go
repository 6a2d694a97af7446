// Package quorum decides whether the witness vote should count toward
// failover. An odd number of data nodes already breaks ties on its own; the
// witness is needed only to turn an even count into an odd voter count.
package quorum

// Decision is the derived participation verdict for a data-node count.
type Decision struct {
    DataNodes    int  `json:"data_nodes"`
    Participates bool `json:"participates"`
}

// ParticipatesInFailover reports whether n data nodes need the witness vote.
// Negative counts are treated as unknown and never participate.
func ParticipatesInFailover(n int) bool {
    return n >= 0 && n%2 == 0
}

func Decide(n int) Decision {
    return Decision{DataNodes: n, Participates: ParticipatesInFailover(n)}
}

// Voters is the effective voter count with the witness included when it
// participates.
func (d Decision) Voters() int {
    if d.Participates { return d.DataNodes + 1 }
    return d.DataNodes
}
