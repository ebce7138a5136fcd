package signal

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/protocol"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, account string, conn *WsSignalConn, data []byte) {
	var p protocol.Join
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, protocol.ErrBadPayload)
		return
	}
	if ctl.Joins != nil && !ctl.Joins.Allow(account) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.sendError(conn, protocol.ErrRateLimited)
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", string(p.Channel)).Msg("join")
	if err := ctl.Orch.Join(ctx, sid, p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
		ctl.sendError(conn, orch.Code(err))
	}
}

// handleLeave leaves the current channel; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID) {
	ctl.Orch.Leave(sid)
}
