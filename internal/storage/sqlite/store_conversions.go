package sqlite

import (
	"github.com/louisbranch/cardroom/internal/room"
)

// JSON document shapes for the room's embedded structures. Field names are
// the wire contract with anything else reading the database, so they stay
// stable independently of the Go structs.

type orderDoc struct {
	List       []string `json:"list"`
	LastNumber *int     `json:"lastNumber,omitempty"`
	Failed     bool     `json:"failed"`
	FailedAt   *int     `json:"failedAt,omitempty"`
	Total      *int     `json:"total,omitempty"`
	DecidedAt  *int64   `json:"decidedAt,omitempty"`
}

type optionsDoc struct {
	AllowContinue bool   `json:"allowContinue"`
	AutoDeal      bool   `json:"autoDeal"`
	TopicType     string `json:"topicType,omitempty"`
}

type dealDoc struct {
	Players []string       `json:"players"`
	Numbers map[string]int `json:"numbers,omitempty"`
	DealtAt int64          `json:"dealtAt"`
}

type resultDoc struct {
	Success    bool  `json:"success"`
	FailedAt   *int  `json:"failedAt,omitempty"`
	FinishedAt int64 `json:"finishedAt"`
}

func encodeOrder(o room.Order) orderDoc {
	doc := orderDoc{
		List:       o.List,
		LastNumber: o.LastNumber,
		Failed:     o.Failed,
		FailedAt:   o.FailedAt,
		Total:      o.Total,
	}
	if o.DecidedAt != nil {
		millis := toMillis(*o.DecidedAt)
		doc.DecidedAt = &millis
	}
	return doc
}

func decodeOrder(doc orderDoc) room.Order {
	o := room.Order{
		List:       doc.List,
		LastNumber: doc.LastNumber,
		Failed:     doc.Failed,
		FailedAt:   doc.FailedAt,
		Total:      doc.Total,
	}
	if doc.DecidedAt != nil {
		t := fromMillis(*doc.DecidedAt)
		o.DecidedAt = &t
	}
	return o
}

func encodeOptions(o room.Options) any {
	return optionsDoc{
		AllowContinue: o.AllowContinue,
		AutoDeal:      o.AutoDeal,
		TopicType:     o.TopicType,
	}
}

func decodeOptions(doc optionsDoc) room.Options {
	return room.Options{
		AllowContinue: doc.AllowContinue,
		AutoDeal:      doc.AutoDeal,
		TopicType:     doc.TopicType,
	}
}

func encodeDeal(d room.Deal) any {
	return dealDoc{
		Players: d.Players,
		Numbers: d.Numbers,
		DealtAt: toMillis(d.DealtAt),
	}
}

func decodeDeal(doc dealDoc) room.Deal {
	return room.Deal{
		Players: doc.Players,
		Numbers: doc.Numbers,
		DealtAt: fromMillis(doc.DealtAt),
	}
}

func encodeResult(r room.Result) any {
	return resultDoc{
		Success:    r.Success,
		FailedAt:   r.FailedAt,
		FinishedAt: toMillis(r.FinishedAt),
	}
}

func decodeResult(doc resultDoc) room.Result {
	return room.Result{
		Success:    doc.Success,
		FailedAt:   doc.FailedAt,
		FinishedAt: fromMillis(doc.FinishedAt),
	}
}
