// Package billing computes the metered cost of a session.  It is a
// pure function of the session window, the pod's rate and the promo
// flag: no I/O, no clock reads, integer pence throughout.
package billing

import "time"

const (
    // MinimumChargePence is the smallest amount worth collecting.
    // Sessions totalling less than this are not billed at all rather
    // than rounded up to the minimum.
    MinimumChargePence = 30

    // PromoFreeMinutes is the fixed deduction applied when promo mode
    // is enabled.
    PromoFreeMinutes = 10
)

// Cost returns the amount in pence to charge for a session running
// from start to end at ratePencePerMinute.  Minutes are the billing
// granularity and partial minutes are charged in full, so a session is
// never undercharged by truncation.  When promo is set, the first
// PromoFreeMinutes are free, floored at zero minutes.  Amounts below
// MinimumChargePence come back as zero: the caller must skip the
// charge entirely, not collect the minimum.
func Cost(start, end time.Time, ratePencePerMinute int64, promo bool) int64 {
    if end.Before(start) {
        return 0
    }
    minutes := ceilMinutes(end.Sub(start))
    if promo {
        minutes -= PromoFreeMinutes
        if minutes < 0 {
            minutes = 0
        }
    }
    amount := minutes * ratePencePerMinute
    if amount < MinimumChargePence {
        return 0
    }
    return amount
}

// ceilMinutes rounds a duration up to whole minutes.
func ceilMinutes(d time.Duration) int64 {
    m := int64(d / time.Minute)
    if d%time.Minute != 0 {
        m++
    }
    return m
}
