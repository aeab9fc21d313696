package transport

import (
	"context"

	"replog/internal"
	"replog/internal/replog"
)

var (
	logIDKey  = internal.NewCtxKey[replog.LogID]("logID")
	senderKey = internal.NewCtxKey[replog.ParticipantID]("sender")
)

func SetLogID(ctx context.Context, id replog.LogID) context.Context {
	return internal.SetCtxKey(ctx, logIDKey, id)
}

func GetLogID(ctx context.Context) (replog.LogID, bool) {
	return internal.GetCtxKey(ctx, logIDKey)
}

// SetSender stores the participant that sent the request being served.
func SetSender(ctx context.Context, id replog.ParticipantID) context.Context {
	return internal.SetCtxKey(ctx, senderKey, id)
}

func GetSender(ctx context.Context) (replog.ParticipantID, bool) {
	return internal.GetCtxKey(ctx, senderKey)
}
