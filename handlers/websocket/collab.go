package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/engine.io/v2/utils"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"scenesync/auth"
	"scenesync/core"
)

const (
	EventRowChange         = "row-change"
	EventSubscriptionError = "subscription-error"
)

type ackInvoker func(err error, payload map[string]any)

// Relay is the part of the relay service the socket.io surface drives.
type Relay interface {
	Subscriber
	UpsertState(ctx context.Context, id string, state json.RawMessage) (*core.RowChange, error)
	SetCommand(ctx context.Context, id string, command json.RawMessage) (*core.RowChange, error)
	ClearCommand(ctx context.Context, id, stamp string) (*core.RowChange, error)
}

// Server bridges browser pages to the relay: a socket subscribing to a
// session joins its room, and row changes are emitted to the room.
type Server struct {
	io      *socketio.Server
	svc     Relay
	issuer  *auth.Issuer
	bridges *bridges
}

func roomFor(sessionID string) socketio.Room {
	return socketio.Room("session:" + sessionID)
}

func SetupSocketIO(svc Relay, issuer *auth.Issuer) *Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(1000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin:      []any{localhostOrigin},
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)

	s := &Server{io: srv, svc: svc, issuer: issuer}
	s.bridges = newBridges(svc, func(sessionID, event string, payload any) {
		_ = srv.To(roomFor(sessionID)).Emit(event, payload)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		s.onConnect(socket)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// ActiveSessions returns the number of subscribed sockets per session.
func (s *Server) ActiveSessions() map[string]int {
	return s.bridges.Counts()
}

func (s *Server) Close() {
	s.io.Close(nil)
	s.bridges.closeAll()
}

func (s *Server) onConnect(socket *socketio.Socket) {
	me := socket.Id()
	var (
		mu     sync.Mutex
		joined = make(map[string]struct{})
	)

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("subscribe", func(datas ...any) {
		ack, args := extractAck(datas)
		sessionID := stringArg(args, 0)
		if sessionID == "" {
			err := fmt.Errorf("session id is required")
			respondWithAck(socket, ack, "subscribe-ack", errorPayload(err), err)
			return
		}

		mu.Lock()
		_, already := joined[sessionID]
		mu.Unlock()
		if !already {
			if err := s.bridges.join(sessionID); err != nil {
				logrus.WithFields(logrus.Fields{"session_id": sessionID, "error": err}).Error("Failed to bridge session")
				respondWithAck(socket, ack, "subscribe-ack", errorPayload(err), err)
				return
			}
			mu.Lock()
			joined[sessionID] = struct{}{}
			mu.Unlock()
			socket.Join(roomFor(sessionID))
			utils.Log().Printf("Socket %v has subscribed to %v\n", me, sessionID)
		}

		respondWithAck(socket, ack, "subscribe-ack", map[string]any{
			"status":     "ok",
			"session_id": sessionID,
		}, nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("publish-state", func(datas ...any) {
		s.handleWrite(socket, "publish-state-ack", datas, func(ctx context.Context, id string, arg any) error {
			body, err := toJSON(arg)
			if err != nil {
				return err
			}
			_, err = s.svc.UpsertState(ctx, id, body)
			return err
		})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("send-command", func(datas ...any) {
		s.handleWrite(socket, "send-command-ack", datas, func(ctx context.Context, id string, arg any) error {
			body, err := toJSON(arg)
			if err != nil {
				return err
			}
			_, err = s.svc.SetCommand(ctx, id, body)
			return err
		})
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("clear-command", func(datas ...any) {
		s.handleWrite(socket, "clear-command-ack", datas, func(ctx context.Context, id string, arg any) error {
			stamp, _ := arg.(string)
			_, err := s.svc.ClearCommand(ctx, id, stamp)
			return err
		})
	})

	socket.On("disconnecting", func(datas ...any) {
		mu.Lock()
		ids := make([]string, 0, len(joined))
		for id := range joined {
			ids = append(ids, id)
		}
		joined = make(map[string]struct{})
		mu.Unlock()

		for _, id := range ids {
			utils.Log().Printf("disconnecting %v from session %v\n", me, id)
			s.bridges.leave(id)
		}
	})

	socket.On("disconnect", func(datas ...any) {
		socket.RemoveAllListeners("")
		socket.Disconnect(true)
	})
}

// handleWrite runs a relay write for the arguments (session id, payload,
// token) and acknowledges the outcome.
func (s *Server) handleWrite(socket *socketio.Socket, ackEvent string, datas []any, write func(ctx context.Context, id string, arg any) error) {
	ack, args := extractAck(datas)
	sessionID := stringArg(args, 0)
	if sessionID == "" {
		err := fmt.Errorf("session id is required")
		respondWithAck(socket, ack, ackEvent, errorPayload(err), err)
		return
	}
	if err := s.issuer.Authorize(stringArg(args, 2), sessionID); err != nil {
		logrus.WithFields(logrus.Fields{"session_id": sessionID, "error": err}).Warn("Rejected unauthorized socket write")
		err = fmt.Errorf("unauthorized: %w", err)
		respondWithAck(socket, ack, ackEvent, errorPayload(err), err)
		return
	}

	var arg any
	if len(args) > 1 {
		arg = args[1]
	}
	if err := write(context.Background(), sessionID, arg); err != nil {
		respondWithAck(socket, ack, ackEvent, errorPayload(err), err)
		return
	}
	respondWithAck(socket, ack, ackEvent, map[string]any{"status": "ok"}, nil)
}

func stringArg(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

// toJSON accepts a decoded JSON value or an already serialized JSON string.
func toJSON(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, fmt.Errorf("payload is required")
	case string:
		if json.Valid([]byte(v)) {
			return json.RawMessage(v), nil
		}
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(v)
}

// rowPayload converts a change into plain JSON values for the socket.io encoder.
func rowPayload(change core.RowChange) (map[string]any, error) {
	raw, err := json.Marshal(change)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func errorPayload(err error) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts whatever callback type the client library hands over.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}
	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			var v any
			switch {
			case len(args) == 1 && err != nil:
				v = err
			case len(args) == 1:
				v = payload
			case i == 0:
				v = err
			case i == 1:
				v = payload
			}
			args[i] = coerceValue(v, typ.In(i))
		}
		value.Call(args)
	}
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}
	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.Interface && targetType.NumMethod() == 0:
		return rv
	case targetType.Kind() == reflect.Slice && targetType.Elem().Kind() == reflect.Interface:
		out := reflect.MakeSlice(targetType, 1, 1)
		out.Index(0).Set(rv)
		return out
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}
	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
