// Package protocol implements the lanchat wire format: one frame per line,
// fields separated by '|', list items by ',' and user parts by ':'.
// Every frame carries the protocol version as its second field.
//
//	login|1|<user>
//	msg|1|<id>|<sender>|<d|g>|<members>|<content>|<attachment>|<sent-at>
//	presence|1|<users>
//	bye|1|<reason>
//	ping|1
//	pong|1
//
// A user is encoded as name:base64(avatar). Binary attachments are standard
// base64. The separators and the backslash are escaped with '\'.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lanchat/models"
)

const Version = "1"

// Frame types
const (
	TypeLogin    = "login"
	TypeMsg      = "msg"
	TypePresence = "presence"
	TypeBye      = "bye"
	TypePing     = "ping"
	TypePong     = "pong"
)

// Bye reasons sent by the server.
const (
	ByeReplaced = "replaced"
	ByeProtocol = "protocol"
	ByeOverflow = "overflow"
	ByeShutdown = "shutdown"
	ByeTimeout  = "timeout"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrUnknownType   = errors.New("unknown packet type")
	ErrVersion       = errors.New("unsupported protocol version")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// DecodeError describes which part of a frame could not be decoded.
type DecodeError struct {
	Type  string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("decode %s %s: %v", e.Type, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Frame is the tagged union of everything that travels over a connection.
// Only the fields belonging to Type are meaningful.
type Frame struct {
	Type    string
	User    models.User     // login
	Message *models.Message // msg
	Online  []models.User   // presence
	Reason  string          // bye
}

func Login(u models.User) Frame { return Frame{Type: TypeLogin, User: u} }

func Chat(m models.Message) Frame { return Frame{Type: TypeMsg, Message: &m} }

func Presence(online []models.User) Frame {
	return Frame{Type: TypePresence, Online: append([]models.User(nil), online...)}
}

func Bye(reason string) Frame { return Frame{Type: TypeBye, Reason: reason} }

func Ping() Frame { return Frame{Type: TypePing} }

func Pong() Frame { return Frame{Type: TypePong} }

// Encode renders a frame as a single newline-terminated line.
func Encode(f Frame) ([]byte, error) {
	fields := []string{Escape(f.Type), Version}

	switch f.Type {
	case TypeLogin:
		if !f.User.Valid() {
			return nil, &DecodeError{Type: f.Type, Field: "user", Err: ErrInvalidPacket}
		}
		fields = append(fields, formatUser(f.User))
	case TypeMsg:
		if f.Message == nil {
			return nil, &DecodeError{Type: f.Type, Field: "message", Err: ErrInvalidPacket}
		}
		m := f.Message
		id := ""
		if m.ID != uuid.Nil {
			id = m.ID.String()
		}
		sentAt := ""
		if !m.SentAt.IsZero() {
			sentAt = m.SentAt.UTC().Format(time.RFC3339Nano)
		}
		fields = append(fields,
			id,
			formatUser(m.Sender),
			string(m.Target.Kind),
			formatUsers(m.Target.Members),
			Escape(m.Content),
			base64.StdEncoding.EncodeToString(m.Attachment),
			sentAt,
		)
	case TypePresence:
		fields = append(fields, formatUsers(f.Online))
	case TypeBye:
		fields = append(fields, Escape(f.Reason))
	case TypePing, TypePong:
	default:
		return nil, &DecodeError{Type: f.Type, Err: ErrUnknownType}
	}

	return []byte(strings.Join(fields, "|") + "\n"), nil
}

// Decode parses one line (with or without its trailing newline) into a frame.
func Decode(line string) (Frame, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|')
	pktType := unescape(parts[0])
	if pktType == "" {
		return Frame{}, &DecodeError{Err: ErrInvalidPacket}
	}
	if len(parts) < 2 {
		return Frame{}, &DecodeError{Type: pktType, Field: "version", Err: ErrInvalidPacket}
	}
	if parts[1] != Version {
		return Frame{}, &DecodeError{Type: pktType, Field: "version", Err: ErrVersion}
	}
	body := parts[2:]

	f := Frame{Type: pktType}
	switch pktType {
	case TypeLogin:
		if len(body) != 1 {
			return Frame{}, &DecodeError{Type: pktType, Err: ErrInvalidPacket}
		}
		u, err := parseUser(body[0])
		if err != nil || !u.Valid() {
			return Frame{}, &DecodeError{Type: pktType, Field: "user", Err: orInvalid(err)}
		}
		f.User = u
	case TypeMsg:
		m, err := parseMessage(body)
		if err != nil {
			return Frame{}, err
		}
		f.Message = m
	case TypePresence:
		if len(body) != 1 {
			return Frame{}, &DecodeError{Type: pktType, Err: ErrInvalidPacket}
		}
		users, err := parseUsers(body[0])
		if err != nil {
			return Frame{}, &DecodeError{Type: pktType, Field: "users", Err: err}
		}
		f.Online = users
	case TypeBye:
		if len(body) > 0 {
			f.Reason = unescape(body[0])
		}
	case TypePing, TypePong:
	default:
		return Frame{}, &DecodeError{Type: pktType, Err: ErrUnknownType}
	}
	return f, nil
}

func parseMessage(body []string) (*models.Message, error) {
	if len(body) != 7 {
		return nil, &DecodeError{Type: TypeMsg, Err: ErrInvalidPacket}
	}

	m := &models.Message{}
	if body[0] != "" {
		id, err := uuid.Parse(body[0])
		if err != nil {
			return nil, &DecodeError{Type: TypeMsg, Field: "id", Err: err}
		}
		m.ID = id
	}

	sender, err := parseUser(body[1])
	if err != nil {
		return nil, &DecodeError{Type: TypeMsg, Field: "sender", Err: err}
	}
	m.Sender = sender

	members, err := parseUsers(body[3])
	if err != nil {
		return nil, &DecodeError{Type: TypeMsg, Field: "members", Err: err}
	}
	switch models.TargetKind(body[2]) {
	case models.TargetDirect:
		if len(members) != 1 || !members[0].Valid() {
			return nil, &DecodeError{Type: TypeMsg, Field: "members", Err: ErrInvalidPacket}
		}
		m.Target = models.Direct(members[0])
	case models.TargetGroup:
		if len(members) == 0 {
			return nil, &DecodeError{Type: TypeMsg, Field: "members", Err: ErrInvalidPacket}
		}
		m.Target = models.Group(members...)
	default:
		return nil, &DecodeError{Type: TypeMsg, Field: "target", Err: ErrInvalidPacket}
	}

	m.Content = unescape(body[4])

	if body[5] != "" {
		att, err := base64.StdEncoding.DecodeString(body[5])
		if err != nil {
			return nil, &DecodeError{Type: TypeMsg, Field: "attachment", Err: err}
		}
		m.Attachment = att
	}

	if body[6] != "" {
		ts, err := time.Parse(time.RFC3339Nano, body[6])
		if err != nil {
			return nil, &DecodeError{Type: TypeMsg, Field: "sent-at", Err: err}
		}
		m.SentAt = ts
	}
	return m, nil
}

func formatUser(u models.User) string {
	return Escape(u.Username) + ":" + base64.StdEncoding.EncodeToString(u.Avatar)
}

func formatUsers(users []models.User) string {
	items := make([]string, len(users))
	for i, u := range users {
		items[i] = formatUser(u)
	}
	return strings.Join(items, ",")
}

func parseUser(field string) (models.User, error) {
	parts := splitUnescaped(field, ':')
	if len(parts) != 2 {
		return models.User{}, ErrInvalidPacket
	}
	u := models.User{Username: unescape(parts[0])}
	if parts[1] != "" {
		avatar, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return models.User{}, err
		}
		u.Avatar = avatar
	}
	return u, nil
}

func parseUsers(field string) ([]models.User, error) {
	if field == "" {
		return nil, nil
	}
	items := splitUnescaped(field, ',')
	users := make([]models.User, 0, len(items))
	for _, item := range items {
		u, err := parseUser(item)
		if err != nil {
			return nil, err
		}
		if !u.Valid() {
			return nil, ErrInvalidPacket
		}
		users = append(users, u)
	}
	return users, nil
}

func orInvalid(err error) error {
	if err == nil {
		return ErrInvalidPacket
	}
	return err
}

// splitUnescaped splits s on delimiter, ignoring escaped delimiters. Escape
// sequences are kept intact so the parts can be split again or unescaped.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			switch r {
			case '|', ',', ':', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escapes are kept verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	// trailing lone backslash
	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape escapes the separators, the backslash and line breaks.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case ':':
			result.WriteString("\\:")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
