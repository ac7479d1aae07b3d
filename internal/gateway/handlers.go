package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/activity"
	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/lifecycle"
	"github.com/swingkiddo/boosty-queue/internal/models"
	"github.com/swingkiddo/boosty-queue/internal/queue"
	"github.com/swingkiddo/boosty-queue/internal/report"
	"github.com/swingkiddo/boosty-queue/internal/review"
	"github.com/swingkiddo/boosty-queue/internal/storage"
)

const commandPrefix = "!"

// Gateway dispatches Discord events to the core operations.
type Gateway struct {
	config   *config.Config
	storage  *storage.Storage
	client   *Client
	machine  *lifecycle.Machine
	queue    *queue.Manager
	tracker  *activity.Tracker
	reviews  *review.Gate
	reports  *report.Aggregator
	exporter *report.ExcelExporter
}

func New(
	cfg *config.Config,
	store *storage.Storage,
	client *Client,
	machine *lifecycle.Machine,
	queueManager *queue.Manager,
	tracker *activity.Tracker,
	reviews *review.Gate,
	reports *report.Aggregator,
	exporter *report.ExcelExporter,
) *Gateway {
	return &Gateway{
		config:   cfg,
		storage:  store,
		client:   client,
		machine:  machine,
		queue:    queueManager,
		tracker:  tracker,
		reviews:  reviews,
		reports:  reports,
		exporter: exporter,
	}
}

// Register attaches the event handlers to the Discord session. Call
// before Connect so no early event is missed.
func (g *Gateway) Register() {
	g.client.session.AddHandler(g.handleMessage)
	g.client.session.AddHandler(g.handleVoiceState)
	g.client.session.AddHandler(g.handleInteraction)
}

func (g *Gateway) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !strings.HasPrefix(m.Content, commandPrefix) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.config.BotHandleTimeout)
	defer cancel()

	fields := strings.Fields(strings.TrimPrefix(m.Content, commandPrefix))
	if len(fields) == 0 {
		return
	}
	command, args := strings.ToLower(fields[0]), fields[1:]

	authorID, err := parseSnowflake(m.Author.ID)
	if err != nil {
		logrus.Errorf("parsing author id: %v", err)
		return
	}

	logrus.Infof("command %q from user %d in channel %s", command, authorID, m.ChannelID)

	var reply string
	switch command {
	case "create":
		reply = g.handleCreate(ctx, m, authorID, args)
	case "start":
		reply = g.handleStart(ctx, m, authorID)
	case "end":
		reply = g.handleEnd(ctx, m, authorID)
	case "join":
		reply = g.handleJoin(ctx, m, authorID)
	case "leave":
		reply = g.handleLeave(ctx, m, authorID)
	case "quit":
		reply = g.handleQuit(ctx, m, authorID)
	case "skip":
		reply = g.handleSkip(ctx, m, authorID)
	case "reviewed":
		reply = g.handleReviewed(ctx, m, authorID)
	case "report":
		reply = g.handleReport(ctx, m, authorID)
	default:
		return
	}

	if reply == "" {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
		logrus.Warnf("replying in channel %s: %v", m.ChannelID, err)
	}
}

func (g *Gateway) handleCreate(ctx context.Context, m *discordgo.MessageCreate, authorID int64, args []string) string {
	if !g.isCoach(m.Member, authorID) {
		return "Only coaches can create sessions."
	}
	if len(args) == 0 {
		return fmt.Sprintf("Usage: %screate <replay|creative> [slots]", commandPrefix)
	}

	sessionType := models.SessionType(strings.ToLower(args[0]))
	maxSlots := g.config.MaxSlotsCap
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Sprintf("%q is not a slot count.", args[1])
		}
		maxSlots = parsed
	}

	session, err := g.machine.Create(ctx, g.member(ctx, m, authorID), sessionType, maxSlots)
	if err != nil {
		return userMessage(err)
	}
	return fmt.Sprintf("Session %d created, the queue is open in <#%s>.", session.ID, formatSnowflake(session.TextChannelID))
}

func (g *Gateway) handleStart(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	if !g.isCoach(m.Member, authorID) {
		return "Only coaches can start sessions."
	}

	session, result, err := g.machine.Start(ctx, authorID)
	if err != nil {
		return userMessage(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %d started.\n", session.ID)
	for _, request := range result.Accepted {
		fmt.Fprintf(&b, "Slot %d: <@%s>\n", *request.SlotNumber, formatSnowflake(request.UserID))
	}
	if len(result.Rejected) > 0 {
		fmt.Fprintf(&b, "%d requests did not make it this time.", len(result.Rejected))
	}
	return b.String()
}

func (g *Gateway) handleEnd(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}

	var err error
	if authorID == g.config.ManagerID || g.client.HasRole(m.Member, RoleModerator) {
		err = g.machine.End(ctx, session)
	} else {
		err = g.machine.ForceEnd(ctx, session, authorID)
	}
	if err != nil {
		return userMessage(err)
	}

	g.postReviewPrompt(ctx, session)
	return ""
}

func (g *Gateway) handleJoin(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}

	member := g.member(ctx, m, authorID)
	var err error
	switch session.Status {
	case models.SessionStatusCreated:
		_, err = g.queue.JoinQueue(ctx, session, member)
		if err == nil {
			return fmt.Sprintf("<@%s> joined the queue.", m.Author.ID)
		}
	case models.SessionStatusActive:
		var request *models.SessionRequest
		request, err = g.queue.JoinActiveSession(ctx, session, member)
		if err == nil {
			return fmt.Sprintf("<@%s> takes slot %d.", m.Author.ID, *request.SlotNumber)
		}
	default:
		return "This session is over."
	}
	return userMessage(err)
}

func (g *Gateway) handleLeave(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}

	result, err := g.queue.LeaveQueue(ctx, session, authorID)
	if err != nil {
		return userMessage(err)
	}
	if !result.Removed {
		return "Your request was already resolved, nothing to withdraw."
	}
	return fmt.Sprintf("<@%s> left the queue.", m.Author.ID)
}

func (g *Gateway) handleQuit(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}
	if session.Status != models.SessionStatusActive {
		return "The session is not running."
	}

	canKick := authorID == session.CoachID || authorID == g.config.ManagerID
	targetID, errMessage := quitTarget(m, authorID, canKick)
	if errMessage != "" {
		return errMessage
	}

	if err := g.queue.RemoveParticipant(ctx, session, targetID); err != nil {
		return userMessage(err)
	}
	if targetID == authorID {
		return fmt.Sprintf("<@%s> left the session, slots were renumbered.", m.Author.ID)
	}
	return fmt.Sprintf("<@%s> was removed from the session, slots were renumbered.", formatSnowflake(targetID))
}

// quitTarget resolves who a quit command acts on: the author, or a
// mentioned participant when the author may remove others.
func quitTarget(m *discordgo.MessageCreate, authorID int64, canKick bool) (int64, string) {
	if len(m.Mentions) == 0 {
		return authorID, ""
	}
	if len(m.Mentions) > 1 {
		return 0, "Mention a single participant to remove."
	}
	if !canKick {
		return 0, "Only the session's coach can remove other participants."
	}
	targetID, err := parseSnowflake(m.Mentions[0].ID)
	if err != nil {
		return 0, "Cannot parse the mentioned user."
	}
	return targetID, ""
}

func (g *Gateway) handleSkip(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}
	if len(m.Mentions) != 1 {
		return fmt.Sprintf("Usage: %sskip @participant", commandPrefix)
	}

	userID, err := parseSnowflake(m.Mentions[0].ID)
	if err != nil {
		return "Cannot parse the mentioned user."
	}
	request, err := g.storage.GetRequest(ctx, session.ID, userID)
	if err != nil {
		return userMessage(err)
	}
	if err := g.queue.MarkSkipped(ctx, session, request.ID, authorID); err != nil {
		return userMessage(err)
	}
	return fmt.Sprintf("<@%s> is marked as skipped and will be compensated in the next queue.", m.Mentions[0].ID)
}

func (g *Gateway) handleReviewed(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}

	skipped := make([]int64, 0, len(m.Mentions))
	for _, user := range m.Mentions {
		userID, err := parseSnowflake(user.ID)
		if err != nil {
			return "Cannot parse the mentioned user."
		}
		skipped = append(skipped, userID)
	}

	if err := g.machine.ConfirmReviewed(ctx, session, authorID, skipped); err != nil {
		return userMessage(err)
	}

	g.deliverManagerReport(ctx, session)

	if len(skipped) == 0 {
		return "Session outcome recorded: everyone was reviewed."
	}
	return fmt.Sprintf("Session outcome recorded: %d participants skipped and compensated.", len(skipped))
}

// deliverManagerReport DMs the final session report to the manager once
// the outcome is confirmed. Failures are logged, never surfaced to the
// coach.
func (g *Gateway) deliverManagerReport(ctx context.Context, session *models.Session) {
	if g.config.ManagerID == 0 {
		return
	}

	built, err := g.reports.Build(ctx, session.ID)
	if err != nil {
		logrus.Errorf("building manager report for session %d: %v", session.ID, err)
		return
	}
	path, err := g.exporter.Export(built)
	if err != nil {
		logrus.Errorf("exporting manager report for session %d: %v", session.ID, err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		logrus.Errorf("opening manager report artifact: %v", err)
		return
	}
	defer file.Close()

	if err := g.client.SendFileToUser(ctx, g.config.ManagerID, filepath.Base(path), file); err != nil {
		logrus.Errorf("delivering report for session %d to manager: %v", session.ID, err)
	}
}

func (g *Gateway) handleReport(ctx context.Context, m *discordgo.MessageCreate, authorID int64) string {
	if !g.isCoach(m.Member, authorID) && !g.client.HasRole(m.Member, RoleModerator) {
		return "Only coaches and moderators can request reports."
	}
	session, errMessage := g.sessionFromChannel(ctx, m.ChannelID)
	if errMessage != "" {
		return errMessage
	}

	built, err := g.reports.Build(ctx, session.ID)
	if err != nil {
		return userMessage(err)
	}
	path, err := g.exporter.Export(built)
	if err != nil {
		logrus.Errorf("exporting report for session %d: %v", session.ID, err)
		return "Report export failed, try again later."
	}

	file, err := os.Open(path)
	if err != nil {
		logrus.Errorf("opening report artifact: %v", err)
		return "Report export failed, try again later."
	}
	defer file.Close()

	channelID, err := parseSnowflake(m.ChannelID)
	if err != nil {
		return "Report export failed, try again later."
	}
	if err := g.client.SendFile(ctx, channelID, filepath.Base(path), file); err != nil {
		logrus.Errorf("uploading report: %v", err)
		return "Report export failed, try again later."
	}
	return ""
}

// RecoverPresence reconciles persisted open presence intervals against
// the guild's current voice occupancy. Call once after Connect, when
// the gateway state cache is seeded: intervals of users still sitting
// in a session's voice channel survive the restart, the remaining ones
// are sealed, and users who joined while the bot was down get one.
func (g *Gateway) RecoverPresence(ctx context.Context) error {
	occupants := g.client.VoiceOccupants()

	present := make(map[uint]map[int64]bool)
	for _, status := range []models.SessionStatus{
		models.SessionStatusCreated,
		models.SessionStatusActive,
		models.SessionStatusEnded,
	} {
		sessions, err := g.storage.ListSessionsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s sessions: %w", status, err)
		}
		for _, session := range sessions {
			users := occupants[session.VoiceChannelID]
			if len(users) == 0 {
				continue
			}
			set := make(map[int64]bool, len(users))
			for _, userID := range users {
				set[userID] = true
			}
			present[session.ID] = set
		}
	}

	return g.tracker.Recover(ctx, present)
}

// handleVoiceState turns channel moves into presence intervals for the
// sessions owning the affected voice channels.
func (g *Gateway) handleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	beforeChannelID := ""
	if vs.BeforeUpdate != nil {
		beforeChannelID = vs.BeforeUpdate.ChannelID
	}
	if beforeChannelID == vs.ChannelID {
		return
	}

	userID, err := parseSnowflake(vs.UserID)
	if err != nil {
		logrus.Errorf("parsing voice state user id: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.config.BotHandleTimeout)
	defer cancel()

	if beforeChannelID != "" {
		g.recordPresence(ctx, beforeChannelID, userID, false)
	}
	if vs.ChannelID != "" {
		g.recordPresence(ctx, vs.ChannelID, userID, true)
	}
}

func (g *Gateway) recordPresence(ctx context.Context, channelID string, userID int64, entered bool) {
	voiceChannelID, err := parseSnowflake(channelID)
	if err != nil {
		logrus.Errorf("parsing voice channel id: %v", err)
		return
	}

	session, err := g.storage.GetSessionByVoiceChannel(ctx, voiceChannelID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logrus.Errorf("resolving session for voice channel %d: %v", voiceChannelID, err)
		}
		return
	}

	if entered {
		err = g.tracker.RecordEnter(ctx, session.ID, userID)
	} else {
		err = g.tracker.RecordLeave(ctx, session.ID, userID)
	}
	if err != nil {
		logrus.Errorf("recording presence for user %d in session %d: %v", userID, session.ID, err)
	}
}

// handleInteraction processes the like/dislike review buttons.
func (g *Gateway) handleInteraction(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic == nil || ic.Type != discordgo.InteractionMessageComponent {
		return
	}
	parts := strings.Split(ic.MessageComponentData().CustomID, ":")
	if len(parts) != 3 || parts[0] != "review" {
		return
	}

	sessionID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return
	}
	liked := parts[2] == "like"

	userID := interactionUserID(ic)
	if userID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.config.BotHandleTimeout)
	defer cancel()

	response := "Thanks, your review is saved."
	session, err := g.storage.GetSession(ctx, uint(sessionID))
	if err != nil {
		response = userMessage(err)
	} else if _, err := g.reviews.Submit(ctx, session, userID, liked); err != nil {
		response = userMessage(err)
	}

	if err := s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: response,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}); err != nil {
		logrus.Warnf("responding to review interaction: %v", err)
	}
}

// postReviewPrompt drops the like/dislike buttons into the session's
// text channel once the session ends.
func (g *Gateway) postReviewPrompt(ctx context.Context, session *models.Session) {
	if session.TextChannelID == 0 {
		return
	}
	_, err := g.client.session.ChannelMessageSendComplex(formatSnowflake(session.TextChannelID), &discordgo.MessageSend{
		Content: "How was the session? Attendees with at least five minutes in voice can vote.",
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Like",
					Style:    discordgo.SuccessButton,
					CustomID: fmt.Sprintf("review:%d:like", session.ID),
				},
				discordgo.Button{
					Label:    "Dislike",
					Style:    discordgo.DangerButton,
					CustomID: fmt.Sprintf("review:%d:dislike", session.ID),
				},
			}},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		logrus.Warnf("posting review prompt for session %d: %v", session.ID, err)
	}
}

func (g *Gateway) sessionFromChannel(ctx context.Context, channelID string) (*models.Session, string) {
	textChannelID, err := parseSnowflake(channelID)
	if err != nil {
		return nil, "Cannot resolve this channel."
	}
	session, err := g.storage.GetSessionByTextChannel(ctx, textChannelID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, "This command only works inside a session channel."
		}
		logrus.Errorf("resolving session for channel %d: %v", textChannelID, err)
		return nil, "Something went wrong, try again later."
	}
	return session, ""
}

func (g *Gateway) isCoach(member *discordgo.Member, userID int64) bool {
	return userID == g.config.ManagerID || g.client.HasRole(member, RoleCoach)
}

// member builds the queue-facing view of the message author.
func (g *Gateway) member(ctx context.Context, m *discordgo.MessageCreate, authorID int64) queue.Member {
	nickname := m.Author.Username
	if m.Author.GlobalName != "" {
		nickname = m.Author.GlobalName
	}
	if m.Member != nil && m.Member.Nick != "" {
		nickname = m.Member.Nick
	} else if name, err := g.client.ResolveMember(ctx, authorID); err == nil && name != "" {
		nickname = name
	}

	joinedAt := time.Now()
	if m.Member != nil && !m.Member.JoinedAt.IsZero() {
		joinedAt = m.Member.JoinedAt
	}

	return queue.Member{ID: authorID, Nickname: nickname, JoinedAt: joinedAt}
}

func interactionUserID(ic *discordgo.InteractionCreate) int64 {
	raw := ""
	if ic.Member != nil && ic.Member.User != nil {
		raw = ic.Member.User.ID
	} else if ic.User != nil {
		raw = ic.User.ID
	}
	if raw == "" {
		return 0
	}
	id, err := parseSnowflake(raw)
	if err != nil {
		return 0
	}
	return id
}

// userMessage renders an error kind as a reply the member can act on.
func userMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return fmt.Sprintf("That doesn't look right: %s", trimKind(err))
	case errors.Is(err, models.ErrStateConflict):
		return trimKind(err)
	case errors.Is(err, models.ErrNotFound):
		return "Nothing found for that, check the session or user."
	case errors.Is(err, models.ErrPermissionDenied):
		return fmt.Sprintf("You can't do that: %s", trimKind(err))
	default:
		logrus.Errorf("command failed: %v", err)
		return "Something went wrong, try again later."
	}
}

// trimKind drops the sentinel prefix from a wrapped error message so
// users see only the human part.
func trimKind(err error) string {
	message := err.Error()
	if idx := strings.Index(message, ": "); idx >= 0 {
		return message[idx+2:]
	}
	return message
}
