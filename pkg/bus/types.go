package bus

import "strings"

// Request is an inbound user action. Content starting with "/" is a
// command: Command holds its name without the slash and Args the words
// after it.
type Request struct {
	ID       string
	Channel  string
	ChatID   string
	SenderID string
	Sender   string
	Content  string
	Command  string
	Args     []string
}

// NewRequest builds a request and splits out a leading command.
func NewRequest(channel, chatID, senderID, sender, content string) Request {
	req := Request{
		Channel:  channel,
		ChatID:   chatID,
		SenderID: senderID,
		Sender:   sender,
		Content:  strings.TrimSpace(content),
	}
	if strings.HasPrefix(req.Content, "/") {
		fields := strings.Fields(req.Content[1:])
		if len(fields) > 0 {
			req.Command = strings.ToLower(fields[0])
			req.Args = fields[1:]
		}
	}
	return req
}

// Text returns the arguments of a command joined back together, or the
// whole content for plain chat.
func (r Request) Text() string {
	if r.Command == "" {
		return r.Content
	}
	return strings.Join(r.Args, " ")
}

// Event is one piece of the outbound stream: a chunk of a speaker's text,
// or the terminator closing that speaker's turn when End is set.
type Event struct {
	Channel string
	ChatID  string
	Speaker string
	Chunk   string
	End     bool
}
