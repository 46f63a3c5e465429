package papachu

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const confessionTitleFormat = "Anonymous Confession (#%d)"

// Submission is a single confession, as submitted by a user.
type Submission struct {
	// Text is the confession itself
	Text string

	// AttachmentURL is an optional image/GIF URL shown in the embed
	AttachmentURL string

	// TagOthers re-mentions users mentioned in Text, so they get pinged
	TagOthers bool
}

// NewSubmission returns a Submission for text, tagging mentioned users
func NewSubmission(text string) Submission {
	return Submission{Text: text, TagOthers: true}
}

type Footer struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

// ConfessionMessage is a rendered confession: a plain text line naming
// the author (and anyone tagged), followed by an embed with the
// confession.
type ConfessionMessage struct {
	PlainTextPrefix string  `json:"content"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	ImageURL        string  `json:"image_url,omitempty"`
	Footer          *Footer `json:"footer,omitempty"`
}

// MessageSend converts the message to discordgo's format. Only user
// mentions may ping, so @everyone or role mentions in a confession
// stay inert.
func (m ConfessionMessage) MessageSend(color int) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       m.Title,
		Description: m.Description,
		Color:       color,
	}
	if m.ImageURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: m.ImageURL}
	}
	if m.Footer != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text:    m.Footer.Text,
			IconURL: m.Footer.IconURL,
		}
	}
	return &discordgo.MessageSend{
		Content: m.PlainTextPrefix,
		Embeds:  []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{
				discordgo.AllowedMentionTypeUsers,
			},
		},
	}
}

// ConfessionFormatter renders submissions, numbering each one with its
// SequenceCounter.
type ConfessionFormatter struct {
	counter *SequenceCounter
	footer  *Footer
}

// NewConfessionFormatter returns a formatter. A nil footer leaves
// confessions without one.
func NewConfessionFormatter(counter *SequenceCounter, footer *Footer) *ConfessionFormatter {
	return &ConfessionFormatter{counter: counter, footer: footer}
}

// Format renders s, consuming the next confession number whether or
// not the message is ever sent. author is the submitter's mention.
func (f *ConfessionFormatter) Format(
	ctx context.Context,
	author string,
	s Submission,
) (ConfessionMessage, error) {
	n, err := f.counter.Next(ctx)
	if err != nil {
		return ConfessionMessage{}, fmt.Errorf("error getting confession number: %w", err)
	}
	return f.render(n, author, s), nil
}

// FormatReserved renders s with a reserved number. The caller commits
// the reservation once the message is delivered, or releases it so
// the number is reused.
func (f *ConfessionFormatter) FormatReserved(
	ctx context.Context,
	author string,
	s Submission,
) (ConfessionMessage, *Reservation, error) {
	r, err := f.counter.Reserve(ctx)
	if err != nil {
		return ConfessionMessage{}, nil, fmt.Errorf("error reserving confession number: %w", err)
	}
	return f.render(r.Number(), author, s), r, nil
}

func (f *ConfessionFormatter) render(n int64, author string, s Submission) ConfessionMessage {
	msg := ConfessionMessage{
		PlainTextPrefix: confessionPrefix(author, s),
		Title:           fmt.Sprintf(confessionTitleFormat, n),
		Description:     s.Text,
		ImageURL:        s.AttachmentURL,
	}
	if f.footer != nil {
		footer := *f.footer
		msg.Footer = &footer
	}
	return msg
}

func confessionPrefix(author string, s Submission) string {
	prefix := author + " confesses:"
	if !s.TagOthers {
		return prefix
	}
	mentions := ExtractMentions(s.Text)
	if len(mentions) == 0 {
		return prefix
	}
	return "(cc " + strings.Join(mentions, " ") + ")\n\n" + prefix
}
