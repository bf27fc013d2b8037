package tally

import (
	"strings"

	"github.com/pscheid92/votetally/internal/domain"
)

const (
	VerificationSAID       = "sa_id"
	VerificationSelfAttest = "self_attest"
)

var ageBuckets = map[string]domain.Counter{
	"<18":   domain.CounterAgeUnder18,
	"18-24": domain.CounterAge18To24,
	"25-34": domain.CounterAge25To34,
	"35-44": domain.CounterAge35To44,
	"45-54": domain.CounterAge45To54,
	"55+":   domain.CounterAge55Plus,
}

var genders = map[string]domain.Counter{
	"male":   domain.CounterGenderMale,
	"female": domain.CounterGenderFemale,
	"other":  domain.CounterGenderOther,
}

var residences = map[string]domain.Counter{
	"in-country": domain.CounterResidenceIn,
	"outside":    domain.CounterResidenceOutside,
}

// ValidAgeBracket reports whether s is one of the six fixed age brackets.
func ValidAgeBracket(s string) bool {
	_, ok := ageBuckets[s]
	return ok
}

// NewDelta returns the counters one accepted vote increments.
func NewDelta(vote domain.Vote, attrs domain.Attributes) domain.Delta {
	d := domain.Delta{domain.CounterTotalVotes: 1}

	if vote == domain.VoteYes {
		d[domain.CounterYes] = 1
	} else {
		d[domain.CounterNo] = 1
	}

	switch attrs.VerificationMethod {
	case VerificationSAID:
		d[domain.CounterVerifiedTotal] = 1
		d[domain.CounterVerifiedSAID] = 1
	case VerificationSelfAttest:
		d[domain.CounterVerifiedTotal] = 1
		d[domain.CounterVerifiedSelfAttest] = 1
	}

	if c, ok := ageBuckets[strings.TrimSpace(attrs.AgeBracket)]; ok {
		d[c] = 1
	}

	if c, ok := genders[strings.ToLower(strings.TrimSpace(attrs.Gender))]; ok {
		d[c] = 1
	} else {
		d[domain.CounterGenderUnspecified] = 1
	}

	if c, ok := residences[strings.ToLower(strings.TrimSpace(attrs.Residence))]; ok {
		d[c] = 1
	} else {
		d[domain.CounterResidenceUnknown] = 1
	}

	return d
}

// Apply adds d to agg in place. Unknown counters are ignored.
func Apply(agg *domain.Aggregate, d domain.Delta) {
	for c, n := range d {
		if f := agg.Field(c); f != nil {
			*f += n
		}
	}
}

// Diff returns the increments that bring have up to want. Counters where have is
// already at or above want are left out; an empty result means nothing is missing.
func Diff(want, have *domain.Aggregate) domain.Delta {
	d := domain.Delta{}
	for _, c := range domain.AllCounters {
		if missing := *want.Field(c) - *have.Field(c); missing > 0 {
			d[c] = missing
		}
	}
	return d
}
