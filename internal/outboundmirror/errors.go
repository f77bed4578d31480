package outboundmirror

import "errors"

// ErrEffectInFlight is returned when a mirrored effect is still Pending —
// a previous attempt started the external call but the process crashed
// before recording its outcome. The Money Engine does not retry inline, and
// no sweep resolves the record, which stays Pending.
var ErrEffectInFlight = errors.New("outboundmirror: effect in flight, awaiting recovery sweep")
