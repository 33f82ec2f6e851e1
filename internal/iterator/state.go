package iterator

// state is a position in the resolution state machine.
type state int

const (
	// stateInitRequest does the cache lookup and the restart/depth checks.
	// All requests start here and every query restart revisits it.
	stateInitRequest state = iota
	// stateInitRequest2 adjusts the query flags for the iteration phase.
	stateInitRequest2
	// stateInitRequest3 prepares target selection for the delegation point.
	stateInitRequest3
	// stateQueryTargets picks the next server and sends the query.
	stateQueryTargets
	// stateQueryResp interprets an authoritative reply.
	stateQueryResp
	// statePrimeResp interprets the result of a root priming query.
	statePrimeResp
	// stateTargetResp interprets the result of a nameserver address lookup.
	stateTargetResp
	// stateFinished is terminal: the answer is in the output buffer.
	stateFinished
)

func (s state) String() string {
	switch s {
	case stateInitRequest:
		return "INIT REQUEST STATE"
	case stateInitRequest2:
		return "INIT REQUEST STATE (stage 2)"
	case stateInitRequest3:
		return "INIT REQUEST STATE (stage 3)"
	case stateQueryTargets:
		return "QUERY TARGETS STATE"
	case stateQueryResp:
		return "QUERY RESPONSE STATE"
	case statePrimeResp:
		return "PRIME RESPONSE STATE"
	case stateTargetResp:
		return "TARGET RESPONSE STATE"
	case stateFinished:
		return "FINISHED STATE"
	}
	return "UNKNOWN ITER STATE"
}

// isResponseState reports whether s consumes a response. Everything past
// stateQueryTargets does; the init states and target selection do not.
func (s state) isResponseState() bool {
	switch s {
	case stateInitRequest, stateInitRequest2, stateInitRequest3, stateQueryTargets:
		return false
	}
	return true
}
