package app

import (
	"time"

	"github.com/louisbranch/cardroom/internal/room"
	"github.com/louisbranch/cardroom/internal/storage"
)

type roomEnvelope struct {
	Room roomView `json:"room"`
}

type roomView struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	StatusVersion uint64      `json:"status_version"`
	HostID        string      `json:"host_id"`
	Order         orderView   `json:"order"`
	Options       optionsView `json:"options"`
	Deal          *dealView   `json:"deal,omitempty"`
	Result        *resultView `json:"result,omitempty"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
}

type orderView struct {
	List       []string `json:"list"`
	LastNumber *int     `json:"last_number,omitempty"`
	Failed     bool     `json:"failed"`
	FailedAt   *int     `json:"failed_at,omitempty"`
	Total      *int     `json:"total,omitempty"`
	DecidedAt  string   `json:"decided_at,omitempty"`
}

type optionsView struct {
	AllowContinue bool   `json:"allow_continue"`
	AutoDeal      bool   `json:"auto_deal"`
	TopicType     string `json:"topic_type,omitempty"`
}

type dealView struct {
	Players []string       `json:"players"`
	Numbers map[string]int `json:"numbers,omitempty"`
	DealtAt string         `json:"dealt_at"`
}

type resultView struct {
	Success    bool   `json:"success"`
	FailedAt   *int   `json:"failed_at,omitempty"`
	FinishedAt string `json:"finished_at"`
}

type rejoinEnvelope struct {
	Request rejoinView `json:"request"`
}

type rejoinView struct {
	RoomID        string `json:"room_id"`
	UID           string `json:"uid"`
	Status        string `json:"status"`
	DisplayName   string `json:"display_name,omitempty"`
	CreatedAt     string `json:"created_at"`
	AcceptedAt    string `json:"accepted_at,omitempty"`
	RejectedAt    string `json:"rejected_at,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func roomToView(r room.Room) roomView {
	view := roomView{
		ID:            r.ID,
		Status:        string(r.Status),
		StatusVersion: r.StatusVersion,
		HostID:        r.HostID,
		Order: orderView{
			List:       r.Order.List,
			LastNumber: r.Order.LastNumber,
			Failed:     r.Order.Failed,
			FailedAt:   r.Order.FailedAt,
			Total:      r.Order.Total,
			DecidedAt:  formatOptionalTime(r.Order.DecidedAt),
		},
		Options: optionsView{
			AllowContinue: r.Options.AllowContinue,
			AutoDeal:      r.Options.AutoDeal,
			TopicType:     r.Options.TopicType,
		},
		CreatedAt: formatTime(r.CreatedAt),
		UpdatedAt: formatTime(r.UpdatedAt),
	}
	if r.Deal != nil {
		view.Deal = &dealView{
			Players: r.Deal.Players,
			Numbers: r.Deal.Numbers,
			DealtAt: formatTime(r.Deal.DealtAt),
		}
	}
	if r.Result != nil {
		view.Result = &resultView{
			Success:    r.Result.Success,
			FailedAt:   r.Result.FailedAt,
			FinishedAt: formatTime(r.Result.FinishedAt),
		}
	}
	return view
}

func rejoinToView(req storage.RejoinRequest) rejoinView {
	return rejoinView{
		RoomID:        req.RoomID,
		UID:           req.UID,
		Status:        string(req.Status),
		DisplayName:   req.DisplayName,
		CreatedAt:     formatTime(req.CreatedAt),
		AcceptedAt:    formatOptionalTime(req.AcceptedAt),
		RejectedAt:    formatOptionalTime(req.RejectedAt),
		FailureReason: req.FailureReason,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
