/*
Package confidence is the confidence model: the Score type carried by every
entity, relationship and claim, and the arithmetic allowed on it.

# Scores

A Score holds a value in [0,1], the number of observations behind it
(EvidenceWeight), the method that produced it, optional CERQual-style
Dimensions, the ids it depends on and when it was assessed.

	s, err := confidence.Assess(0.92, time.Now())

# Arithmetic

Degradation-type operations (stage propagation, Decay, Conjoin) never raise
the value. Aggregation (Bayesian updating in package evidence,
DempsterShafer here) may raise it, and only together with evidence weight.

# Tiers

TierOf buckets a value into HIGH (>= 0.8), MEDIUM (>= 0.5) or LOW. Tiers are
for filtering and reporting only.
*/
package confidence
