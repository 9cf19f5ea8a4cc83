package model

import "time"

// Lead is the CRM contact a conversation belongs to. The pipeline only
// creates leads and stamps their last message; everything else about a
// lead is owned by the CRM layer.
type Lead struct {
	ID              string
	Phone           string
	Name            string
	SessionID       string
	FunnelID        string
	KanbanStageID   string
	LastMessage     string
	LastMessageTime time.Time
	ImportSource    string
	CreatedAt       time.Time
}
