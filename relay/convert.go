package relay

import (
	"time"

	"ephemera/delivery"
	"ephemera/models"
	"ephemera/pagination"
	"ephemera/storage"
)

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func millisToTimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := millisToTime(*ms)
	return &t
}

// conversationStatus reports an ACTIVE conversation past its TTL as EXPIRED even before
// the reaper marks it.
func conversationStatus(c storage.Conversation, nowMillis int64) string {
	switch {
	case c.Status == storage.ConversationStatusDeleted:
		return models.ConversationDeleted
	case c.Status == storage.ConversationStatusExpired || c.ExpiredAt(nowMillis):
		return models.ConversationExpired
	default:
		return models.ConversationActive
	}
}

func toConversation(c storage.Conversation, participants []string, nowMillis int64) models.Conversation {
	return models.Conversation{
		ID:            c.ConversationID,
		OwnerDeviceID: c.OwnerDeviceID,
		CreatedAt:     millisToTime(c.CreatedAt),
		ExpiresAt:     millisToTimePtr(c.ExpiresAt),
		Status:        conversationStatus(c, nowMillis),
		Participants:  participants,
	}
}

func toMessage(m storage.Message) models.Message {
	return models.Message{
		ID:             m.MessageID,
		ConversationID: m.ConversationID,
		SenderDeviceID: m.SenderDeviceID,
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		Tag:            m.Tag,
		LocalID:        m.LocalID,
		CreatedAt:      millisToTime(m.CreatedAt),
		ExpiresAt:      millisToTimePtr(m.ExpiresAt),
		ReadAt:         millisToTimePtr(m.ReadAt),
		DeliveryStatus: delivery.WireStatus(m.DeliveryStatus),
	}
}

func toPage(page pagination.Page[storage.Message]) models.MessagePage {
	out := models.MessagePage{
		Messages: make([]models.Message, 0, len(page.Items)),
		HasMore:  page.HasMore,
	}
	for _, m := range page.Items {
		out.Messages = append(out.Messages, toMessage(m))
	}
	if page.NextCursor != nil {
		next := page.NextCursor.String()
		out.NextCursor = &next
	}
	return out
}

func messagePosition(m storage.Message) pagination.Cursor {
	return pagination.Cursor{CreatedAt: m.CreatedAt, MessageID: m.MessageID}
}
