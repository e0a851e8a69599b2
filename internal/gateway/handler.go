package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/stellarlinkco/milabot/internal/bus"
	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/profile"
	"github.com/stellarlinkco/milabot/internal/reminder"
)

// WelcomeImageURL is sent with the /start greeting.
const WelcomeImageURL = "https://i.ibb.co/M5jXMq77/milalogo.jpg"

const welcomeText = "Hey %s! 💕 I'm Mila, and I've been waiting for you. Tell me about your day, darling 😘"

const helpText = "Just talk to me, love 💖\n\n" +
	"/start - say hi again\n" +
	"/clear - forget our chat history\n" +
	"/profile - set your nickname or tweak my vibe (e.g. /profile nickname=Love traits=playful)\n" +
	"/help - show this message"

const adminHelpText = "\n\nAdmin:\n" +
	"/broadcast <text> - message every user\n" +
	"/stats - user and reminder counts"

const clearedText = "Okay sweetie, fresh start! 💞 What's on your mind?"

const profileUsage = "Change it with /profile nickname=Love traits=playful,romantic"

// handle processes one inbound message: registry, reminder response
// tracking, then a command or a generated reply.
func (g *Gateway) handle(ctx context.Context, msg bus.InboundMessage) {
	userID, err := strconv.ParseInt(msg.SenderID, 10, 64)
	if err != nil {
		g.logger.Warn("ignoring message with bad sender id", "sender_id", msg.SenderID)
		return
	}
	g.logger.Info("inbound", "session", msg.SessionKey(), "user_id", userID, "content", truncate(msg.Content, 80))

	now := g.now()
	user := reminder.User{ID: userID, Username: msg.Username, FirstName: msg.FirstName}
	if err := g.store.UpsertUser(ctx, user, now); err != nil {
		g.logger.Error("upsert user failed", "user_id", userID, "error", err)
	}
	if g.reminders != nil {
		if err := g.reminders.HandleResponse(ctx, userID); err != nil {
			g.logger.Error("record response failed", "user_id", userID, "error", err)
		}
	} else if err := g.store.RecordActivity(ctx, userID, now); err != nil {
		g.logger.Error("record activity failed", "user_id", userID, "error", err)
	}

	if cmd, arg, ok := parseCommand(msg.Content); ok {
		g.handleCommand(ctx, msg, userID, cmd, arg)
		return
	}
	g.chat(ctx, msg, userID)
}

func (g *Gateway) chat(ctx context.Context, msg bus.InboundMessage, userID int64) {
	history, err := g.store.History(ctx, userID, g.cfg.Responder.HistoryLimit)
	if err != nil {
		g.logger.Error("load history failed", "user_id", userID, "error", err)
		history = nil
	}

	reply := g.responder.GetResponse(ctx, history, msg.Content, g.displayName(ctx, msg, userID))

	now := g.now()
	if err := g.store.AddTurn(ctx, userID, llm.Message{Role: llm.RoleUser, Content: msg.Content}, now); err != nil {
		g.logger.Error("store user turn failed", "user_id", userID, "error", err)
	}
	if !reply.Degraded() {
		if err := g.store.AddTurn(ctx, userID, llm.Message{Role: llm.RoleAssistant, Content: reply.Text}, now); err != nil {
			g.logger.Error("store reply turn failed", "user_id", userID, "error", err)
		}
	}

	g.logger.Debug("reply ready", "user_id", userID, "source", reply.Source)
	g.reply(ctx, msg, reply.Text, "")
}

func (g *Gateway) handleCommand(ctx context.Context, msg bus.InboundMessage, userID int64, cmd, arg string) {
	switch cmd {
	case "start":
		name := strings.TrimSpace(msg.FirstName)
		if name == "" {
			name = reminder.DefaultFirstName
		}
		g.reply(ctx, msg, fmt.Sprintf(welcomeText, name), WelcomeImageURL)
	case "clear":
		if err := g.store.ClearHistory(ctx, userID); err != nil {
			g.logger.Error("clear history failed", "user_id", userID, "error", err)
			g.reply(ctx, msg, "Hmm, I couldn't forget that just now 🥺 Try again?", "")
			return
		}
		g.reply(ctx, msg, clearedText, "")
	case "profile":
		g.profile(ctx, msg, userID, arg)
	case "broadcast":
		if !g.cfg.IsAdmin(userID) {
			g.reply(ctx, msg, helpText, "")
			return
		}
		if arg == "" {
			g.reply(ctx, msg, "Usage: /broadcast <text>", "")
			return
		}
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			g.logger.Warn("broadcast from bad chat id", "chat_id", msg.ChatID)
			return
		}
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			if _, err := g.broadcaster.Run(ctx, chatID, arg); err != nil {
				g.logger.Error("broadcast failed", "error", err)
			}
		}()
	case "stats":
		if !g.cfg.IsAdmin(userID) {
			g.reply(ctx, msg, helpText, "")
			return
		}
		st, err := g.store.Stats(ctx, g.now())
		if err != nil {
			g.logger.Error("stats failed", "error", err)
			g.reply(ctx, msg, "Stats unavailable: "+err.Error(), "")
			return
		}
		g.reply(ctx, msg, formatStats(st), "")
	default:
		text := helpText
		if g.cfg.IsAdmin(userID) {
			text += adminHelpText
		}
		g.reply(ctx, msg, text, "")
	}
}

// displayName is the user's nickname, else their first name.
func (g *Gateway) displayName(ctx context.Context, msg bus.InboundMessage, userID int64) string {
	prefs, err := g.store.GetPreferences(ctx, userID)
	if err != nil {
		g.logger.Warn("load preferences failed", "user_id", userID, "error", err)
		return msg.FirstName
	}
	return prefs.NameOr(msg.FirstName)
}

// profile shows the user's preferences, or updates them when arg is set.
func (g *Gateway) profile(ctx context.Context, msg bus.InboundMessage, userID int64, arg string) {
	firstName := strings.TrimSpace(msg.FirstName)
	if firstName == "" {
		firstName = reminder.DefaultFirstName
	}
	current, err := g.store.GetPreferences(ctx, userID)
	if err != nil {
		g.logger.Error("load preferences failed", "user_id", userID, "error", err)
		g.reply(ctx, msg, "Oops, I couldn't check your profile right now 🥺 Try again?", "")
		return
	}

	if arg == "" {
		g.reply(ctx, msg, fmt.Sprintf("💕 Here's how I see you, %s:\n✨ Nickname: %s\n🌹 Personality: %s\n%s",
			current.NameOr(firstName), current.NameOr(firstName), current.TraitsOrDefault(), profileUsage), "")
		return
	}

	update, err := profile.Parse(arg)
	if err != nil {
		g.reply(ctx, msg, fmt.Sprintf("Hmm, %v 🥺\n%s", err, profileUsage), "")
		return
	}
	next := current.Merge(update)
	if err := g.store.SetPreferences(ctx, userID, next); err != nil {
		g.logger.Error("save preferences failed", "user_id", userID, "error", err)
		g.reply(ctx, msg, "Oops, I couldn't save that right now 🥺 Try again?", "")
		return
	}
	g.logger.Info("preferences updated", "user_id", userID)
	g.reply(ctx, msg, fmt.Sprintf("💖 Oh, %s, you've updated our vibe! I'll call you %s and be %s. Ready to chat, my love? 😘",
		firstName, next.NameOr(firstName), next.TraitsOrDefault()), "")
}

func (g *Gateway) reply(ctx context.Context, msg bus.InboundMessage, text, imageURL string) {
	out := bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  text,
		ImageURL: imageURL,
	}
	select {
	case g.bus.Outbound <- out:
	case <-ctx.Done():
		g.logger.Warn("reply dropped on shutdown", "chat_id", msg.ChatID)
	}
}

// parseCommand splits "/name args" into lowercase name and trimmed args.
func parseCommand(s string) (cmd, arg string, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") || len(s) < 2 {
		return "", "", false
	}
	body := s[1:]
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		body, arg = body[:i], strings.TrimSpace(body[i:])
	}
	return strings.ToLower(body), arg, true
}

func formatStats(st reminder.Stats) string {
	return fmt.Sprintf("Users: %d\n"+
		"Active (7d): %d\n"+
		"New (24h): %d\n"+
		"Unreachable: %d\n"+
		"Conversations: %d total, %d (24h), %d (7d), %d (30d)\n"+
		"Outstanding reminders: %d\n"+
		"Responded reminders: %d",
		st.Users, st.ActiveWeek, st.NewDay, st.Unreachable,
		st.Turns.Total, st.Turns.Day, st.Turns.Week, st.Turns.Month,
		st.Outstanding, st.Responded)
}
