package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/a-essam23/livecore/pkg/auth"
	"github.com/a-essam23/livecore/pkg/broadcast"
	"github.com/a-essam23/livecore/pkg/collab"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/history"
	"github.com/a-essam23/livecore/pkg/pipeline"
	"github.com/a-essam23/livecore/pkg/presence"
	"github.com/a-essam23/livecore/pkg/state"
)

type RoomJoined struct {
	RoomID   string                  `json:"roomId"`
	Presence []events.PresenceChange `json:"presence,omitempty"`
}

type RoomLeft struct {
	RoomID string `json:"roomId"`
}

type Authenticated struct {
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type DocApplied struct {
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
}

type DocDiff struct {
	DocumentID string        `json:"documentId"`
	From       int           `json:"from"`
	To         int           `json:"to"`
	Delta      history.Delta `json:"delta"`
}

type DocConflict struct {
	DocumentID string           `json:"documentId"`
	Field      string           `json:"field,omitempty"`
	Reason     string           `json:"reason"`
	Incoming   collab.Operation `json:"incoming"`
	Competing  collab.Operation `json:"competing"`
}

func actionLog(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 1 {
		return errors.New("_log requires exactly 1 parameter: [message]")
	}
	pctx.Logger.Info(params[0], slog.String("component", "action_log"), slog.String("userID", pctx.Principal().UserID))
	return nil
}

func actionPong(pctx *pipeline.Cargo, params ...string) error {
	var payload any
	if len(pctx.Message.Payload) > 0 {
		payload = pctx.Message.Payload
	}
	return pctx.Reply(events.TypePong, payload)
}

func roomError(err error) error {
	if errors.Is(err, state.ErrReservedRoom) {
		return fmt.Errorf("%w: %v", pipeline.ErrForbidden, err)
	}
	return err
}

// actionJoinRoom joins [roomID] and replies with who is present there.
func actionJoinRoom(tracker *presence.Tracker) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("_join requires 1 parameter: [roomID]")
		}
		roomID := params[0]
		if roomID == "" {
			return fmt.Errorf("%w: room id is required", pipeline.ErrBadRequest)
		}
		if err := pctx.Registry.JoinRoom(pctx.Connection.ID, roomID); err != nil {
			return fmt.Errorf("failed to join room '%s': %w", roomID, roomError(err))
		}
		pctx.TargetID = roomID
		pctx.Logger.Info("Connection joined room", slog.String("roomID", roomID))

		reply := RoomJoined{RoomID: roomID}
		if tracker != nil {
			if err := tracker.Activity(pctx.Ctx, pctx.Principal().UserID, roomID, nil, pctx.Now); err != nil {
				pctx.Logger.Warn("Failed to record room activity", slog.Any("error", err))
			}
			for _, r := range tracker.GetPresenceInRoom(roomID) {
				reply.Presence = append(reply.Presence, events.PresenceChange{
					UserID:   r.UserID,
					Status:   string(r.Status),
					Room:     r.CurrentRoom,
					LastSeen: r.LastSeen,
					Cursor:   r.Cursor,
				})
			}
		}
		return pctx.Reply(events.TypeRoomJoined, reply)
	}
}

func actionLeaveRoom(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 1 {
		return errors.New("_leave requires 1 parameter: [roomID]")
	}
	roomID := params[0]
	if roomID == "" {
		return fmt.Errorf("%w: room id is required", pipeline.ErrBadRequest)
	}
	if err := pctx.Registry.LeaveRoom(pctx.Connection.ID, roomID); err != nil {
		return fmt.Errorf("failed to leave room '%s': %w", roomID, roomError(err))
	}
	pctx.TargetID = roomID
	pctx.Logger.Info("Connection left room", slog.String("roomID", roomID))
	return pctx.Reply(events.TypeRoomLeft, RoomLeft{RoomID: roomID})
}

func actionNotifyOrigin(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 2 {
		return errors.New("_notify_origin requires exactly 2 parameters: [eventName, payload]")
	}
	var payload any
	if params[1] != "" {
		if !json.Valid([]byte(params[1])) {
			return fmt.Errorf("%w: payload for '%s' is not valid JSON", pipeline.ErrBadRequest, params[0])
		}
		payload = json.RawMessage(params[1])
	}
	return pctx.Reply(params[0], payload)
}

// actionNotifyRoom forwards [room, eventName, payload] to the room's members in
// the sender's workspace.
func actionNotifyRoom(b *broadcast.Broadcaster) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 3 {
			return errors.New("_notify_room requires 3 parameters: [roomID, eventName, payload]")
		}
		if params[0] == "" {
			return fmt.Errorf("%w: room id is required", pipeline.ErrBadRequest)
		}
		msg, err := newRoomMessage(pctx, params[0], params[1], params[2])
		if err != nil {
			return err
		}
		pctx.TargetID = params[0]
		res, err := b.Broadcast(pctx.Ctx, msg, nil)
		if err != nil {
			return fmt.Errorf("failed to notify room '%s': %w", params[0], err)
		}
		pctx.Logger.Debug("Notified room", slog.String("roomID", params[0]), slog.Int("connection_count", len(res.DeliveredTo)))
		return nil
	}
}

// actionAuth re-authenticates the connection in band with [token]. The token
// must belong to the same user and pass the same checks as a new connection.
func actionAuth(a *auth.Authenticator) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("_auth requires 1 parameter: [token]")
		}
		p, err := a.Verify(pctx.Ctx, params[0])
		if err != nil {
			return err
		}
		p, err = a.RefreshPrincipal(pctx.Ctx, p)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: user no longer has access", pipeline.ErrForbidden)
		}
		if err := a.Authorize(p); err != nil {
			return fmt.Errorf("%w: %v", pipeline.ErrForbidden, err)
		}
		if err := pctx.Registry.UpdatePrincipal(pctx.Connection.ID, p); err != nil {
			if errors.Is(err, state.ErrPrincipalMismatch) {
				return fmt.Errorf("%w: %v", pipeline.ErrForbidden, err)
			}
			return err
		}
		return pctx.Reply(events.TypeAuth, Authenticated{UserID: p.UserID, WorkspaceID: p.WorkspaceID})
	}
}

func collabError(err error) error {
	switch {
	case errors.Is(err, collab.ErrInvalidBase), errors.Is(err, collab.ErrInvalidOperation),
		errors.Is(err, collab.ErrNothingToUndo), errors.Is(err, collab.ErrNothingToRedo):
		return fmt.Errorf("%w: %v", pipeline.ErrBadRequest, err)
	}
	return err
}

// replyEdit answers the author with doc:applied, or doc:conflict when the edit
// lost against a concurrent one.
func replyEdit(pctx *pipeline.Cargo, documentID string, v history.Version, err error) error {
	var conflict *collab.ConflictError
	if errors.As(err, &conflict) {
		return pctx.Reply(events.TypeDocConflict, DocConflict{
			DocumentID: documentID,
			Field:      conflict.Field,
			Reason:     conflict.Reason,
			Incoming:   conflict.Incoming,
			Competing:  conflict.Competing,
		})
	}
	if err != nil {
		return collabError(err)
	}
	return pctx.Reply(events.TypeDocApplied, DocApplied{DocumentID: v.DocumentID, Version: v.Number})
}

// actionDocApply submits the payload as an edit operation authored by the
// connection's user and stamped with the server's receive time.
func actionDocApply(editor *collab.Editor, tracker *presence.Tracker) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		var op collab.Operation
		if err := decodePayload(pctx, &op); err != nil {
			return err
		}
		op.AuthorID = pctx.Principal().UserID
		op.AppliedAt = pctx.Now
		if op.ID == "" {
			op.ID = pctx.Message.MessageID
		}
		pctx.TargetID = collab.RoomFor(op.DocumentID)

		v, err := editor.Apply(pctx.Ctx, op)
		if err == nil && tracker != nil {
			if aErr := tracker.Activity(pctx.Ctx, op.AuthorID, pctx.TargetID, nil, pctx.Now); aErr != nil {
				pctx.Logger.Warn("Failed to record edit activity", slog.Any("error", aErr))
			}
		}
		return replyEdit(pctx, op.DocumentID, v, err)
	}
}

// actionDocRevert undoes, or with redo set redoes, the user's last edit of
// [documentID].
func actionDocRevert(editor *collab.Editor, redo bool) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 || params[0] == "" {
			return fmt.Errorf("%w: document id is required", pipeline.ErrBadRequest)
		}
		documentID := params[0]
		userID := pctx.Principal().UserID
		pctx.TargetID = collab.RoomFor(documentID)

		var v history.Version
		var err error
		if redo {
			v, err = editor.Redo(pctx.Ctx, documentID, userID)
		} else {
			v, err = editor.Undo(pctx.Ctx, documentID, userID)
		}
		return replyEdit(pctx, documentID, v, err)
	}
}

// actionDocDiff replies with the field changes between two recorded versions
// [documentID, from, to].
func actionDocDiff(editor *collab.Editor) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 3 || params[0] == "" {
			return fmt.Errorf("%w: document id, from and to are required", pipeline.ErrBadRequest)
		}
		from, err := strconv.Atoi(params[1])
		if err != nil {
			return fmt.Errorf("%w: from must be a version number", pipeline.ErrBadRequest)
		}
		to, err := strconv.Atoi(params[2])
		if err != nil {
			return fmt.Errorf("%w: to must be a version number", pipeline.ErrBadRequest)
		}
		delta, err := editor.Diff(pctx.Ctx, params[0], from, to)
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("%w: %v", pipeline.ErrBadRequest, err)
		}
		if err != nil {
			return collabError(err)
		}
		return pctx.Reply(events.TypeDocDiff, DocDiff{DocumentID: params[0], From: from, To: to, Delta: delta})
	}
}

type activityPayload struct {
	RoomID string         `json:"roomId"`
	Cursor *events.Cursor `json:"cursor,omitempty"`
}

func actionPresenceActivity(tracker *presence.Tracker) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		var p activityPayload
		if len(pctx.Message.Payload) > 0 {
			if err := decodePayload(pctx, &p); err != nil {
				return err
			}
		}
		pctx.TargetID = p.RoomID
		return tracker.Activity(pctx.Ctx, pctx.Principal().UserID, p.RoomID, p.Cursor, pctx.Now)
	}
}

// actionPresenceStatus sets the user's status to [status].
func actionPresenceStatus(tracker *presence.Tracker) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("_presence_status requires 1 parameter: [status]")
		}
		status, err := presence.ParseStatus(params[0])
		if err != nil {
			return fmt.Errorf("%w: %v", pipeline.ErrBadRequest, err)
		}
		return tracker.SetStatus(pctx.Ctx, pctx.Principal().UserID, status, pctx.Now)
	}
}

// actionTyping publishes typing.updated for [roomID, typing].
func actionTyping(pub events.Publisher) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 2 {
			return errors.New("_typing requires 2 parameters: [roomID, typing]")
		}
		roomID := params[0]
		if roomID == "" {
			return fmt.Errorf("%w: room id is required", pipeline.ErrBadRequest)
		}
		typing, err := strconv.ParseBool(params[1])
		if err != nil {
			return fmt.Errorf("%w: typing must be a boolean", pipeline.ErrBadRequest)
		}
		pctx.TargetID = roomID
		src := pctx.Source()
		ev := events.New(events.KindTypingUpdated, roomID, events.TypingChange{
			UserID: src.UserID,
			Room:   roomID,
			Typing: typing,
		}, src, pctx.Now)
		return pub.Publish(pctx.Ctx, ev)
	}
}

// actionPublish publishes a custom application event [eventName, roomID,
// payload]. Domain event names are reserved for trusted sources.
func actionPublish(pub events.Publisher) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 3 {
			return errors.New("_publish requires 3 parameters: [eventName, roomID, payload]")
		}
		name, roomID, payload := params[0], params[1], params[2]
		if name == "" {
			return errors.New("_publish requires an event name")
		}
		if _, known := events.ParseKind(name); known || events.IsReserved(name) {
			return fmt.Errorf("%w: event type '%s' is reserved", pipeline.ErrForbidden, name)
		}
		if payload == "" {
			payload = "null"
		}
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("%w: payload for '%s' is not valid JSON", pipeline.ErrBadRequest, name)
		}
		pctx.TargetID = roomID
		ev := events.NewCustom(name, roomID, json.RawMessage(payload), pctx.Source(), pctx.Now)
		return pub.Publish(pctx.Ctx, ev)
	}
}
