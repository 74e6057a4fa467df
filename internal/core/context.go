package core

type ctxKey string

const (
	CtxKeyUsername  ctxKey = ctxKey("username")
	CtxKeyRequestId ctxKey = ctxKey("requestId")
)
