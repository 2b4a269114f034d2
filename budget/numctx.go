// Package budget keeps a conversation inside a model's context window: it
// sizes the working window for the next call, estimates token consumption by
// category, compacts old conversation into a generated summary when pressure
// builds, and clamps oversized tool output before it re-enters the context.
package budget

// Window sizing constants. MinNumCtx is the floor even for trivially small
// payloads; Alignment rounds the window up to serving-friendly multiples;
// SafetyBuffer absorbs estimation error.
const (
	MinNumCtx    = 4096
	Alignment    = 2048
	SafetyBuffer = 512
)

// ComputeNumCtx sizes the working context window for the next model call from
// the estimated payload and the expected generation length. The result is
// aligned up, floored at MinNumCtx, and never exceeds modelMax (when modelMax
// is known, i.e. positive).
func ComputeNumCtx(payloadTokens, predictTokens, modelMax int) int {
	n := alignUp(payloadTokens+predictTokens+SafetyBuffer, Alignment)
	if n < MinNumCtx {
		n = MinNumCtx
	}
	if modelMax > 0 && n > modelMax {
		n = modelMax
	}
	return n
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int) int {
	if n <= 0 {
		return 0
	}
	return (n + align - 1) / align * align
}
