package model

import (
	"strconv"
	"strings"
	"time"
)

// TimeLayout — формат дат в таблицах.
const TimeLayout = "2006-01-02 15:04:05"

type AuthStatus string

const (
	AuthStatusUnauthorized AuthStatus = "Unauthorized"
	AuthStatusAuthorized   AuthStatus = "Authorized"
)

// ParseAuthStatus treats anything but an explicit "Authorized" as unauthorized.
func ParseAuthStatus(s string) AuthStatus {
	if strings.EqualFold(strings.TrimSpace(s), string(AuthStatusAuthorized)) {
		return AuthStatusAuthorized
	}
	return AuthStatusUnauthorized
}

type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "New"
	TicketStatusAIAnswered TicketStatus = "AIAnswered"
	TicketStatusInProgress TicketStatus = "InProgress"
	TicketStatusResolved   TicketStatus = "Resolved"
)

// ParseTicketStatus maps a status cell to a TicketStatus. Specialists edit the
// cell by hand, so separators and case are ignored. A blank cell is New; an
// unknown token is InProgress since only a human could have written it.
func ParseTicketStatus(s string) TicketStatus {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer("_", "", " ", "", "-", "").Replace(k)
	switch k {
	case "", "new":
		return TicketStatusNew
	case "aianswered":
		return TicketStatusAIAnswered
	case "inprogress":
		return TicketStatusInProgress
	case "resolved":
		return TicketStatusResolved
	default:
		return TicketStatusInProgress
	}
}

// Колонки таблицы авторизации.
const (
	PartnerColCode = iota
	PartnerColPhone
	PartnerColFullName
	PartnerColUserID
	PartnerColStatus
	PartnerColAuthorizedAt
	PartnerColumns
)

// Колонки таблицы обращений.
const (
	TicketColCode = iota
	TicketColPhone
	TicketColFullName
	TicketColUserID
	TicketColHistory
	TicketColStatus
	TicketColReply
	TicketColUpdatedAt
	TicketColumns
)

// PartnerRecord — строка таблицы авторизации.
type PartnerRecord struct {
	Row          int
	PartnerCode  string
	Phone        string
	FullName     string
	LinkedUserID int64 // 0 — не привязан
	AuthStatus   AuthStatus
	AuthorizedAt *time.Time
}

// Ticket — строка таблицы обращений.
type Ticket struct {
	Row             int
	PartnerCode     string
	Phone           string
	FullName        string
	LinkedUserID    int64
	History         string
	Status          TicketStatus
	SpecialistReply string
	UpdatedAt       *time.Time
}

// Ref returns the key a caller keeps to address this ticket later.
func (t Ticket) Ref() TicketRef {
	return TicketRef{Row: t.Row, UserID: t.LinkedUserID, PartnerCode: t.PartnerCode, Phone: t.Phone}
}

// TicketRef addresses a ticket row. Row is a hint: humans may insert or delete
// rows, so the key fields are re-checked on every access.
type TicketRef struct {
	Row         int
	UserID      int64
	PartnerCode string
	Phone       string
}

// Matches reports whether t still carries the key of ref.
func (ref TicketRef) Matches(t Ticket) bool {
	if ref.UserID != 0 && t.LinkedUserID == ref.UserID {
		return true
	}
	return ref.PartnerCode != "" &&
		strings.EqualFold(strings.TrimSpace(t.PartnerCode), strings.TrimSpace(ref.PartnerCode)) &&
		SamePhone(t.Phone, ref.Phone)
}

func PartnerFromRow(row int, cells []string) PartnerRecord {
	p := PartnerRecord{
		Row:          row,
		PartnerCode:  strings.TrimSpace(cell(cells, PartnerColCode)),
		Phone:        strings.TrimSpace(cell(cells, PartnerColPhone)),
		FullName:     strings.TrimSpace(cell(cells, PartnerColFullName)),
		LinkedUserID: ParseUserID(cell(cells, PartnerColUserID)),
		AuthStatus:   ParseAuthStatus(cell(cells, PartnerColStatus)),
	}
	if ts, ok := ParseTime(cell(cells, PartnerColAuthorizedAt)); ok {
		p.AuthorizedAt = &ts
	}
	return p
}

func TicketFromRow(row int, cells []string) Ticket {
	t := Ticket{
		Row:             row,
		PartnerCode:     strings.TrimSpace(cell(cells, TicketColCode)),
		Phone:           strings.TrimSpace(cell(cells, TicketColPhone)),
		FullName:        strings.TrimSpace(cell(cells, TicketColFullName)),
		LinkedUserID:    ParseUserID(cell(cells, TicketColUserID)),
		History:         cell(cells, TicketColHistory),
		Status:          ParseTicketStatus(cell(cells, TicketColStatus)),
		SpecialistReply: strings.TrimSpace(cell(cells, TicketColReply)),
	}
	if ts, ok := ParseTime(cell(cells, TicketColUpdatedAt)); ok {
		t.UpdatedAt = &ts
	}
	return t
}

// Cells renders a new ticket row.
func (t Ticket) Cells() []string {
	out := make([]string, TicketColumns)
	out[TicketColCode] = t.PartnerCode
	out[TicketColPhone] = t.Phone
	out[TicketColFullName] = t.FullName
	out[TicketColUserID] = FormatUserID(t.LinkedUserID)
	out[TicketColHistory] = t.History
	out[TicketColStatus] = string(t.Status)
	out[TicketColReply] = t.SpecialistReply
	if t.UpdatedAt != nil {
		out[TicketColUpdatedAt] = FormatTime(*t.UpdatedAt)
	}
	return out
}

func ParseUserID(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	// Sheets may render large integers as floats ("123456789.0").
	if i := strings.IndexByte(s, '.'); i > 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func FormatUserID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{TimeLayout, time.RFC3339, "02.01.2006 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func cell(cells []string, i int) string {
	if i < len(cells) {
		return cells[i]
	}
	return ""
}
