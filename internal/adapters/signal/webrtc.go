package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/protocol"
)

// badOffer answers an undecodable offer so the client is not left waiting.
func (ctl *SignalWSController) badOffer(conn *WsSignalConn, err error) {
	log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
	ctl.sendJSON(conn, protocol.Answer{Type: protocol.TypeAnswer, Error: protocol.ErrBadPayload})
}

func (ctl *SignalWSController) handlePublish(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p protocol.Publish
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badOffer(conn, err)
		return
	}
	ctl.Orch.Publish(sid, p)
}

func (ctl *SignalWSController) handleUnpublish(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p protocol.Unpublish
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badOffer(conn, err)
		return
	}
	ctl.Orch.Unpublish(sid, p)
}

func (ctl *SignalWSController) handleSubscribe(sid core.SessionID, conn *WsSignalConn, data []byte) {
	var p protocol.Subscribe
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.badOffer(conn, err)
		return
	}
	ctl.Orch.Subscribe(sid, p)
}
