package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ashita-ai/kokoro/internal/model"
)

// Role identifies the author of a dialogue message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a room's dialogue history.
type Message struct {
	Role    Role
	Content string
}

// Completer produces one assistant reply for a chat history.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

const dialogueRequestTimeout = 30 * time.Second

// OpenAICompleter calls an OpenAI-compatible chat completion endpoint.
// It is stateless and safe to share across room sessions.
type OpenAICompleter struct {
	client openaigo.Client
	model  string
}

// NewOpenAICompleter creates a completer backed by an OpenAI-compatible
// endpoint. baseURL defaults to the OpenAI API.
func NewOpenAICompleter(apiKey, baseURL, chatModel string) *OpenAICompleter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := openaigo.NewClient(
		option.WithBaseURL(strings.TrimRight(baseURL, "/")),
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: dialogueRequestTimeout}),
		option.WithRequestTimeout(dialogueRequestTimeout),
	)
	return &OpenAICompleter{client: client, model: chatModel}
}

func (c *OpenAICompleter) Complete(ctx context.Context, messages []Message) (string, error) {
	params := openaigo.ChatCompletionNewParams{
		Model:    openaigo.ChatModel(c.model),
		Messages: make([]openaigo.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openaigo.SystemMessage(m.Content))
		case RoleUser:
			params.Messages = append(params.Messages, openaigo.UserMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openaigo.AssistantMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("dialogue: completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("dialogue: completion returned no choices")
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("dialogue: completion returned empty content")
	}
	return reply, nil
}

// Dialogue holds one room's conversation: the persona prompt derived from the
// room metadata plus the running history of context, user, and assistant
// messages. Owned by a single room session; not safe for concurrent use.
type Dialogue struct {
	completer Completer
	persona   string
	history   []Message
}

// NewDialogue creates the dialogue state for one room. The persona is
// personalized from the room metadata: prior-session context for returning
// users, a first-conversation note otherwise.
func NewDialogue(completer Completer, meta model.RoomMetadata) *Dialogue {
	return &Dialogue{
		completer: completer,
		persona:   buildPersona(meta),
	}
}

const greetingInstruction = "Greet the user with a quick but warm greeting, then invite them to share what is on their mind."

// Greet produces the opening line spoken when the user joins. The reply is
// recorded in the history.
func (d *Dialogue) Greet(ctx context.Context) (string, error) {
	messages := d.request(Message{Role: RoleSystem, Content: greetingInstruction})
	reply, err := d.completer.Complete(ctx, messages)
	if err != nil {
		return "", err
	}
	d.history = append(d.history, Message{Role: RoleAssistant, Content: reply})
	return reply, nil
}

// Reply generates the assistant's response to one completed user turn.
// When emotionalContext is non-empty it is injected as a single system
// message ahead of the user's words, and both persist in the history so
// later turns see them. On completion failure nothing is recorded and the
// turn leaves no trace in the history.
func (d *Dialogue) Reply(ctx context.Context, userText, emotionalContext string) (string, error) {
	var turn []Message
	if emotionalContext != "" {
		turn = append(turn, Message{Role: RoleSystem, Content: "Emotional Context: " + emotionalContext})
	}
	turn = append(turn, Message{Role: RoleUser, Content: userText})

	reply, err := d.completer.Complete(ctx, d.request(turn...))
	if err != nil {
		return "", err
	}

	d.history = append(d.history, turn...)
	d.history = append(d.history, Message{Role: RoleAssistant, Content: reply})
	return reply, nil
}

// History returns a copy of the dialogue so far, including injected context
// messages.
func (d *Dialogue) History() []Message {
	out := make([]Message, len(d.history))
	copy(out, d.history)
	return out
}

// request assembles the completion input: persona, history, then any extra
// messages for the current turn.
func (d *Dialogue) request(extra ...Message) []Message {
	messages := make([]Message, 0, 1+len(d.history)+len(extra))
	messages = append(messages, Message{Role: RoleSystem, Content: d.persona})
	messages = append(messages, d.history...)
	messages = append(messages, extra...)
	return messages
}

const basePersona = `You are a compassionate and empathetic emotional support companion. Your goal is to understand the user's emotions and provide supportive guidance, not medical diagnoses or treatment.
Guidelines:
1. Recognize emotions: identify the user's feelings, tone, and sentiment (sadness, anxiety, stress, frustration, loneliness).
2. Respond with empathy: validate and acknowledge their emotions in warm, understanding, patient language.
3. Provide safe guidance: offer general coping strategies such as deep breathing, mindfulness, journaling, talking to someone trusted, or grounding exercises.
4. Never diagnose or prescribe: do not give medical advice, clinical diagnoses, or treatment suggestions.
5. Encourage support when needed: suggest professional help gently when feelings are intense.
6. Follow the user's lead: let them describe their experience in their own words and tailor responses without assumptions.
Keep replies short and natural; they are spoken aloud.`

// buildPersona renders the system prompt for one room. Returning users get
// their previous session woven in so the agent can acknowledge it; first-time
// users get a plain introduction.
func buildPersona(meta model.RoomMetadata) string {
	var b strings.Builder
	b.WriteString(basePersona)
	b.WriteString("\n\n")

	if name := strings.TrimSpace(meta.UserName); name != "" {
		fmt.Fprintf(&b, "You are speaking with %s.\n", name)
	}

	if !meta.HasPriorContext() {
		b.WriteString("This is your first conversation with this person. Open gently and let them set the direction.")
		return b.String()
	}

	b.WriteString("This person has talked with you before.\n")
	if meta.Summary != nil && strings.TrimSpace(*meta.Summary) != "" {
		fmt.Fprintf(&b, "Previous session: %s\n", strings.TrimSpace(*meta.Summary))
	}
	if len(meta.KeyTopics) > 0 {
		fmt.Fprintf(&b, "Topics they explored: %s.\n", strings.Join(meta.KeyTopics, ", "))
	}
	if len(meta.PrimaryEmotions) > 0 {
		fmt.Fprintf(&b, "Emotions they expressed: %s.\n", strings.Join(meta.PrimaryEmotions, ", "))
	}
	b.WriteString("Acknowledge the previous conversation briefly, then let them choose whether to continue it or start somewhere new.")
	return b.String()
}
