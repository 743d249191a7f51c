package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"slotbot/internal/jobs"
	"slotbot/internal/schalter"
	kit "slotbot/internal/transport"
	"slotbot/internal/users"
)

const startMsg = `Welcome to the lesson slot bot.
This bot allows you to get notified/enroll when a lesson starts or as soon as a spot opens up.
See /help for all available commands.`

// Command describes one slash command. Description is the /help line body,
// MenuDescription the short text for the platform command menu.
type Command struct {
	Name            string
	Description     string
	MenuDescription string
	Timeout         time.Duration
	Handle          HandlerFunc
}

// commandOrder fixes the /help and menu ordering.
var commandOrder = []string{
	"start", "help", "notify", "notifyweekly", "enroll", "enrollweekly",
	"login", "logout", "urlaction", "jobs", "cancelall", "history",
}

func (r *Router) registry() map[string]Command {
	cmds := []Command{
		{
			Name:            "start",
			Description:     " - Display the Start Message.",
			MenuDescription: "display the start message",
			Handle: func(ctx context.Context, req *Request) error {
				r.replyInternal(req.Msg, startMsg)
				return nil
			},
		},
		{
			Name:            "help",
			Description:     " - Displays this text.",
			MenuDescription: "list all available commands",
			Handle: func(ctx context.Context, req *Request) error {
				r.replyInternal(req.Msg, r.helpText())
				return nil
			},
		},
		{
			Name:            "notify",
			Description:     " <lesson_id> - Get notified when a lesson starts or a spot becomes available.",
			MenuDescription: "watch a lesson for free spots",
			Handle:          r.lessonCommand(jobs.KindWatch, false),
		},
		{
			Name:            "notifyweekly",
			Description:     " <lesson_id> - Get weekly notifications when a lesson starts or a spot becomes available.",
			MenuDescription: "watch a lesson every week",
			Handle:          r.lessonCommand(jobs.KindWatchWeekly, false),
		},
		{
			Name:            "enroll",
			Description:     " <lesson_id> - Get automatically enrolled when a lesson starts or a spot becomes available.",
			MenuDescription: "enroll into a lesson",
			Handle:          r.lessonCommand(jobs.KindEnroll, true),
		},
		{
			Name:            "enrollweekly",
			Description:     " <lesson_id> - Get automatically enrolled when a lesson starts or a spot becomes available (repeats every week).",
			MenuDescription: "enroll into a lesson every week",
			Handle:          r.lessonCommand(jobs.KindEnrollWeekly, true),
		},
		{
			Name: "login",
			Description: " <username> <password> - Stores your username and password, so you can be enrolled automatically. " +
				"Important: While your password is never stored in persistent memory, " +
				"your are still giving a random person on the internet your password. " +
				"I wouldn't do it, if I were you :)",
			MenuDescription: "store your credentials",
			Handle:          r.handleLogin,
		},
		{
			Name:            "logout",
			Description:     " - Remove your login credentials.",
			MenuDescription: "remove your credentials",
			Handle: func(ctx context.Context, req *Request) error {
				msg := "You have no credentials stored"
				if r.users.ClearCredentials(req.FromID) {
					msg = "Deleted your credentials"
				}
				r.replyInternal(req.Msg, msg)
				return nil
			},
		},
		{
			Name: "urlaction",
			Description: " {0, 1, 2} - Sets the behavior when a lesson url is found:\n" +
				"\t 0: Default - If you are logged in I will enroll you, otherwise I will only notify you\n" +
				"\t 1: Notify - I will always notify you\n" +
				"\t 2: Enroll - I will always enroll you\n",
			MenuDescription: "set the lesson url behavior",
			Handle:          r.handleUrlAction,
		},
		{
			Name:            "jobs",
			Description:     " - Show your current Jobs.",
			MenuDescription: "show your current jobs",
			Handle: func(ctx context.Context, req *Request) error {
				r.replyInternal(req.Msg, r.jobs.List(req.FromID))
				return nil
			},
		},
		{
			Name:            "cancelall",
			Description:     " - Cancel all Jobs.",
			MenuDescription: "cancel all your jobs",
			Handle: func(ctx context.Context, req *Request) error {
				count := r.jobs.CancelAll(req.FromID)
				r.replyInternal(req.Msg, fmt.Sprintf("Canceled %d Jobs.", count))
				return nil
			},
		},
		{
			Name:            "history",
			Description:     " - Show your most recent finished Jobs.",
			MenuDescription: "show your finished jobs",
			Timeout:         10 * time.Second,
			Handle:          r.handleHistory,
		},
	}

	out := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		out[c.Name] = c
	}
	return out
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("The following commands are supported:")
	for _, name := range commandOrder {
		c, ok := r.commands[name]
		if !ok {
			continue
		}
		b.WriteString("\n/")
		b.WriteString(c.Name)
		b.WriteString(c.Description)
	}
	return b.String()
}

// lessonCommand builds the handler shared by the four protocol commands.
func (r *Router) lessonCommand(kind jobs.Kind, needsCreds bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		if len(req.Args) != 1 {
			r.replyInternal(req.Msg, fmt.Sprintf(
				"Expected 1 arguments but got %d. See /help for more info.", len(req.Args)))
			return nil
		}
		id, err := schalter.ParseLessonID(req.Args[0])
		if err != nil {
			r.replyInternal(req.Msg, fmt.Sprintf("%v. See /help for more info.", err))
			return nil
		}

		spec := jobs.Spec{Kind: kind, Lesson: id}
		if needsCreds {
			state := r.users.Snapshot(req.FromID)
			if state.Credentials == nil {
				r.replyInternal(req.Msg,
					"You need to be logged in to directly enroll\nSee /help for more info.")
				return nil
			}
			spec.Creds = *state.Credentials
		}
		r.jobs.Submit(req.FromID, req.Chat, spec)
		return nil
	}
}

func (r *Router) handleLogin(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		r.replyInternal(req.Msg, fmt.Sprintf(
			"Expected 2 arguments but got %d. See /help for more info.", len(req.Args)))
		return nil
	}
	creds, err := users.NewCredentials(req.Args[0], req.Args[1])
	if err != nil {
		r.replyInternal(req.Msg, fmt.Sprintf("%v. See /help for more info.", err))
		return nil
	}

	msg := "Stored credentials"
	if r.users.SetCredentials(req.FromID, creds) {
		msg = "Updated credentials"
	}

	// The confirmation replaces the operator's message, which still shows
	// the password in the chat. Delete it once the reply is out.
	r.jobs.Submit(req.FromID, req.Chat, jobs.Spec{
		Kind: jobs.KindInternal,
		Internal: &jobs.Internal{
			Text:           msg,
			DeleteOriginal: true,
			Origin: kit.MessageRef{
				ChatID:    req.Msg.ChatID,
				ThreadID:  req.Msg.ThreadID,
				MessageID: req.Msg.ID,
			},
		},
	})
	return nil
}

func (r *Router) handleUrlAction(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.replyInternal(req.Msg, fmt.Sprintf(
			"Expected 1 arguments but got %d. See /help for more info.", len(req.Args)))
		return nil
	}
	action, err := users.ParseUrlAction(req.Args[0])
	if err != nil {
		r.replyInternal(req.Msg, fmt.Sprintf("%v. See /help for more info.", err))
		return nil
	}
	r.users.SetUrlAction(req.FromID, action)
	r.replyInternal(req.Msg, fmt.Sprintf("Changed your url_action to %s.", action))
	return nil
}

func (r *Router) handleHistory(ctx context.Context, req *Request) error {
	if r.store == nil {
		r.replyInternal(req.Msg, "History is not enabled.")
		return nil
	}
	recs, err := r.store.RecentOutcomes(ctx, req.FromID, 10)
	if err != nil {
		req.Logger.Warn("history lookup failed")
		r.replyInternal(req.Msg, "Could not load your history. Please try again later.")
		return err
	}
	if len(recs) == 0 {
		r.replyInternal(req.Msg, "No finished Jobs yet.")
		return nil
	}

	var b strings.Builder
	b.WriteString("Your last Jobs:")
	for _, rec := range recs {
		fmt.Fprintf(&b, "\n%s %s %s %s",
			rec.At.Format("2006-01-02 15:04"), rec.Kind, rec.Lesson, rec.Result)
	}
	r.replyInternal(req.Msg, b.String())
	return nil
}

// handleLessonURL starts an implicit job when a message contains a lesson
// link and no command.
func (r *Router) handleLessonURL(msg kit.Message, id schalter.LessonID) {
	state := r.users.Snapshot(msg.FromID)
	target := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	enrollWanted := state.UrlAction == users.ActionEnroll ||
		(state.UrlAction == users.ActionDefault && state.Credentials != nil)

	switch {
	case enrollWanted && state.Credentials != nil:
		pre := "Found lesson url. Starting an enrollment job. " +
			"If you wanted to get notified you can change " +
			"the default behavior. See /help."
		r.jobs.SubmitWithMessage(msg.FromID, target,
			jobs.Spec{Kind: jobs.KindEnroll, Lesson: id, Creds: *state.Credentials}, pre)
	case enrollWanted:
		r.replyInternal(msg,
			"I can't enroll you without you being logged in. See /help for more info.")
	default:
		pre := "Found lesson url. Starting a notification job. " +
			"If you wanted to enroll you can change " +
			"the default behavior. See /help."
		r.jobs.SubmitWithMessage(msg.FromID, target,
			jobs.Spec{Kind: jobs.KindWatch, Lesson: id}, pre)
	}
}
