// Package ws upgrades HTTP requests to WebSocket connections and translates
// wire envelopes into relay calls.
package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Canvas/internal/config"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/dkeye/Canvas/internal/relay"
)

const sendBuffer = 32

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Relay *relay.Relay
	Cfg   *config.Config
}

func NewController(rl *relay.Relay, cfg *config.Config) *Controller {
	return &Controller{Relay: rl, Cfg: cfg}
}

// Handle upgrades the request and runs the connection's pumps. The client
// identifier comes from the client-token middleware; everything the relay
// does is keyed by it.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	cid := domain.ClientID(c.GetString("client_token"))
	log.Info().Str("module", "ws").Str("cid", string(cid)).Msg("new connection")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade")
		return
	}

	wc := newWSConn(conn, sendBuffer)
	ctl.Relay.Registry.Bind(cid, wc)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		wc.writePump(ctx, ctl.Cfg.PingPeriod)
	}()
	go ctl.readPump(ctx, cid, wc)
}

func (ctl *Controller) readPump(ctx context.Context, cid domain.ClientID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "ws").Str("cid", string(cid)).Msg("readPump closing")
		ctl.Relay.Disconnect(cid, c)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Cfg.ReadLimit)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "ws").Str("cid", string(cid)).Msg("read error")
				}
				return
			}
			ctl.dispatch(cid, c, data)
		}
	}
}

// dispatch is the single exhaustive switch over the event set. Unknown kinds
// are logged and dropped.
func (ctl *Controller) dispatch(cid domain.ClientID, c *wsConn, data []byte) {
	var env relay.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("cid", string(cid)).Msg("bad envelope")
		return
	}

	switch env.Type {
	case relay.EventJoinRoom:
		var p relay.JoinRoomPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Room == "" {
			log.Warn().Str("module", "ws").Str("cid", string(cid)).Msg("bad join payload")
			return
		}
		ctl.Relay.JoinRoom(cid, domain.RoomID(p.Room))

	case relay.EventHistorySave:
		ctl.Relay.SaveState(cid, domain.CanvasState(env.Data))

	case relay.EventHistoryUndo:
		ctl.Relay.Undo(cid)

	case relay.EventHistoryRedo:
		ctl.Relay.Redo(cid)

	case relay.EventObjectAdded, relay.EventObjectModified,
		relay.EventObjectRemoved, relay.EventObjectLayered,
		relay.EventPathCreated:
		ctl.Relay.ForwardCanvas(cid, env.Type, env.Data)

	case relay.EventCursorMove:
		ctl.Relay.MoveCursor(cid, env.Data)

	case relay.EventJoinVoice:
		ctl.Relay.JoinVoice(cid)

	case relay.EventOffer, relay.EventAnswer:
		var p relay.SignalPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Target == "" {
			log.Warn().Str("module", "ws").Str("cid", string(cid)).Str("kind", string(env.Type)).Msg("bad signal payload")
			return
		}
		ctl.Relay.ForwardSignal(cid, env.Type, p)

	case relay.EventICECandidate:
		var p relay.CandidatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Target == "" {
			log.Warn().Str("module", "ws").Str("cid", string(cid)).Msg("bad candidate payload")
			return
		}
		ctl.Relay.ForwardCandidate(cid, p)

	case relay.EventPing:
		ctl.sendPong(c)

	default:
		log.Warn().Str("module", "ws").Str("type", string(env.Type)).Msg("unknown event")
	}
}

func (ctl *Controller) sendPong(c *wsConn) {
	f, err := relay.Encode(relay.EventPong, nil)
	if err != nil {
		return
	}
	_ = c.TrySend(f)
}
