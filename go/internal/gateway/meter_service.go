package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/meetingmeter/go/internal/meter"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"
)

// MeterServiceName is the fully-qualified name of the command service.
const MeterServiceName = "meetingmeter.v1.MeterService"

// Procedure paths of the command service. Requests and responses are
// google.protobuf.Struct messages.
const (
	MeterServiceAddParticipantProcedure    = "/" + MeterServiceName + "/AddParticipant"
	MeterServiceRemoveParticipantProcedure = "/" + MeterServiceName + "/RemoveParticipant"
	MeterServiceStartProcedure             = "/" + MeterServiceName + "/Start"
	MeterServiceStopProcedure              = "/" + MeterServiceName + "/Stop"
	MeterServiceResetProcedure             = "/" + MeterServiceName + "/Reset"
	MeterServiceGetReadingProcedure        = "/" + MeterServiceName + "/GetReading"
)

// MeterService exposes meter commands over connect and to websocket clients.
type MeterService struct {
	hub *Hub
}

// NewMeterService creates the command service over hub
func NewMeterService(hub *Hub) *MeterService {
	return &MeterService{hub: hub}
}

// NewMeterServiceHandler builds an HTTP handler serving every procedure,
// mirroring generated connect handlers.
func NewMeterServiceHandler(svc *MeterService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(MeterServiceAddParticipantProcedure, connect.NewUnaryHandler(MeterServiceAddParticipantProcedure, svc.AddParticipant, opts...))
	mux.Handle(MeterServiceRemoveParticipantProcedure, connect.NewUnaryHandler(MeterServiceRemoveParticipantProcedure, svc.RemoveParticipant, opts...))
	mux.Handle(MeterServiceStartProcedure, connect.NewUnaryHandler(MeterServiceStartProcedure, svc.Start, opts...))
	mux.Handle(MeterServiceStopProcedure, connect.NewUnaryHandler(MeterServiceStopProcedure, svc.Stop, opts...))
	mux.Handle(MeterServiceResetProcedure, connect.NewUnaryHandler(MeterServiceResetProcedure, svc.Reset, opts...))
	mux.Handle(MeterServiceGetReadingProcedure, connect.NewUnaryHandler(MeterServiceGetReadingProcedure, svc.GetReading, opts...))
	return "/" + MeterServiceName + "/", mux
}

// AddParticipant expects {session_id, name, role} and returns the reading
// with the created participant under "participant".
func (s *MeterService) AddParticipant(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var added models.Participant
	return s.run(ctx, req.Msg, func(ctx context.Context, m *meter.Meter, fields map[string]*structpb.Value) error {
		p, err := m.AddParticipant(ctx, stringField(fields, "name"), stringField(fields, "role"))
		added = p
		return err
	}, func(out map[string]interface{}) {
		out["participant"] = added
	})
}

// RemoveParticipant expects {session_id, participant_id}.
func (s *MeterService) RemoveParticipant(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.run(ctx, req.Msg, func(ctx context.Context, m *meter.Meter, fields map[string]*structpb.Value) error {
		id := stringField(fields, "participant_id")
		if id == "" {
			return &meter.ValidationError{Field: "participant_id", Reason: "must not be empty"}
		}
		return m.RemoveParticipant(ctx, id)
	}, nil)
}

func (s *MeterService) Start(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.run(ctx, req.Msg, func(ctx context.Context, m *meter.Meter, _ map[string]*structpb.Value) error {
		return m.Start(ctx)
	}, nil)
}

func (s *MeterService) Stop(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.run(ctx, req.Msg, func(ctx context.Context, m *meter.Meter, _ map[string]*structpb.Value) error {
		return m.Stop(ctx)
	}, nil)
}

func (s *MeterService) Reset(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.run(ctx, req.Msg, func(ctx context.Context, m *meter.Meter, _ map[string]*structpb.Value) error {
		return m.Reset(ctx)
	}, nil)
}

// GetReading returns the current reading of {session_id}.
func (s *MeterService) GetReading(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return s.run(ctx, req.Msg, func(ctx context.Context, m *meter.Meter, _ map[string]*structpb.Value) error {
		return m.WaitReady(ctx)
	}, nil)
}

type commandFunc func(ctx context.Context, m *meter.Meter, fields map[string]*structpb.Value) error

// run acquires the session's meter, executes fn and answers with the meter's
// latest reading. A write is reflected there only once its snapshot arrives.
func (s *MeterService) run(ctx context.Context, msg *structpb.Struct, fn commandFunc, decorate func(map[string]interface{})) (*connect.Response[structpb.Struct], error) {
	fields := msg.GetFields()
	sessionID := stringField(fields, "session_id")

	m, release, err := s.hub.Acquire(ctx, sessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	defer release()

	if err := fn(ctx, m, fields); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("meter command failed")
		return nil, toConnectError(err)
	}

	out, err := readingMap(m.Current())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if decorate != nil {
		decorate(out)
		if out, err = normalize(out); err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}
	res, err := structpb.NewStruct(out)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("failed to encode reading: %w", err))
	}
	return connect.NewResponse(res), nil
}

// HandleCommand implements CommandHandler for websocket clients.
func (s *MeterService) HandleCommand(ctx context.Context, sessionID string, msg ClientMessage) CommandResultPayload {
	m, release, err := s.hub.Acquire(ctx, sessionID)
	if err != nil {
		return CommandResultPayload{Error: err.Error(), ErrorKind: errorKind(err)}
	}
	defer release()

	var result CommandResultPayload
	switch msg.Type {
	case CommandAddParticipant:
		var p models.Participant
		p, err = m.AddParticipant(ctx, msg.Name, msg.Role)
		if err == nil {
			result.Participant = &p
		}
	case CommandRemoveParticipant:
		err = m.RemoveParticipant(ctx, msg.ParticipantID)
	case CommandStart:
		err = m.Start(ctx)
	case CommandStop:
		err = m.Stop(ctx)
	case CommandReset:
		err = m.Reset(ctx)
	default:
		err = &meter.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown command %q", msg.Type)}
	}

	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = errorKind(err)
		return result
	}
	result.OK = true
	return result
}

func stringField(fields map[string]*structpb.Value, key string) string {
	if v, ok := fields[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// readingMap renders a reading through its JSON form so it only holds types
// structpb accepts.
func readingMap(r meter.Reading) (map[string]interface{}, error) {
	return normalize(NewReadingPayload(r))
}

func normalize(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
