package collab

import (
	"errors"
	"fmt"

	"boardsync/backend/internal/document"
)

type Kind string

const (
	KindPut    Kind = "put"
	KindRemove Kind = "remove"
	// KindFull 整份文档，用于加入时追平；应用时只 put，不删除本地多出来的记录
	KindFull Kind = "full"
)

var ErrMalformedMessage = errors.New("MALFORMED_MESSAGE")

// Identity 本地 peer 的身份，会话期间不变
type Identity struct {
	PeerID      string
	DisplayName string
}

// MutationMessage "mutation" 事件的 payload，只在线上传输，不落库
type MutationMessage struct {
	Kind         Kind              `json:"kind"`
	Records      []document.Record `json:"records,omitempty"`
	IDs          []string          `json:"ids,omitempty"`
	OriginPeerID string            `json:"originPeerId"`
	OriginName   string            `json:"originName,omitempty"`
}

func (m MutationMessage) Validate() error {
	switch m.Kind {
	case KindPut, KindFull:
		if m.Kind == KindPut && len(m.Records) == 0 {
			return fmt.Errorf("%w: put without records", ErrMalformedMessage)
		}
		for _, r := range m.Records {
			if err := r.Validate(); err != nil {
				return err
			}
		}
	case KindRemove:
		if len(m.IDs) == 0 {
			return fmt.Errorf("%w: remove without ids", ErrMalformedMessage)
		}
		for _, id := range m.IDs {
			if id == "" {
				return fmt.Errorf("%w: empty id in remove", document.ErrInvalidRecord)
			}
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
	return nil
}

// RequestState "request-state" 事件的 payload
type RequestState struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
}
