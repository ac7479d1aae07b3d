// Package gateway is the Discord-facing layer: it owns the gateway
// connection, provisions session channels, bootstraps roles and
// translates chat activity into core operations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/lifecycle"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

const (
	RoleCoach      = "Coach"
	RoleSubscriber = "Subscriber"
	RoleModerator  = "Moderator"
)

// Client wraps the Discord session. It implements the channel
// provisioner, notifier and member resolver contracts consumed by the
// core packages.
type Client struct {
	session *discordgo.Session
	guildID string

	roleIDs map[string]string
}

func NewClient(cfg *config.Config) (*Client, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentMessageContent
	session.State.TrackVoice = true

	return &Client{
		session: session,
		guildID: formatSnowflake(cfg.DiscordGuildID),
		roleIDs: make(map[string]string),
	}, nil
}

func (c *Client) Connect() error {
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("opening gateway connection: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.session.Close()
}

// EnsureRoles creates the Coach, Subscriber and Moderator roles if the
// guild does not have them yet and caches their ids for channel
// permission overwrites.
func (c *Client) EnsureRoles() error {
	roles, err := c.session.GuildRoles(c.guildID)
	if err != nil {
		return fmt.Errorf("listing guild roles: %w", err)
	}
	byName := make(map[string]*discordgo.Role, len(roles))
	for _, role := range roles {
		byName[role.Name] = role
	}

	for _, name := range []string{RoleCoach, RoleSubscriber, RoleModerator} {
		if role, ok := byName[name]; ok {
			c.roleIDs[name] = role.ID
			continue
		}
		role, err := c.session.GuildRoleCreate(c.guildID, &discordgo.RoleParams{Name: name})
		if err != nil {
			return fmt.Errorf("creating role %s: %w", name, err)
		}
		c.roleIDs[name] = role.ID
		logrus.Infof("created guild role %s (%s)", name, role.ID)
	}
	return nil
}

// CreateSessionChannels provisions a category with a voice and a text
// channel underneath, visible to subscribers only.
func (c *Client) CreateSessionChannels(ctx context.Context, session *models.Session, coachName string) (*lifecycle.Channels, error) {
	overwrites := c.sessionOverwrites()
	name := fmt.Sprintf("%s-%d-%s", session.Type, session.ID, coachName)

	category, err := c.session.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildCategory,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("creating category: %w", err)
	}

	voice, err := c.session.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name:                 "voice",
		Type:                 discordgo.ChannelTypeGuildVoice,
		ParentID:             category.ID,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		c.deleteChannel(ctx, category.ID)
		return nil, fmt.Errorf("creating voice channel: %w", err)
	}

	text, err := c.session.GuildChannelCreateComplex(c.guildID, discordgo.GuildChannelCreateData{
		Name:                 "queue",
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             category.ID,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		c.deleteChannel(ctx, voice.ID)
		c.deleteChannel(ctx, category.ID)
		return nil, fmt.Errorf("creating text channel: %w", err)
	}

	channels := &lifecycle.Channels{}
	if channels.CategoryID, err = parseSnowflake(category.ID); err != nil {
		return nil, fmt.Errorf("category id: %w", err)
	}
	if channels.VoiceChannelID, err = parseSnowflake(voice.ID); err != nil {
		return nil, fmt.Errorf("voice channel id: %w", err)
	}
	if channels.TextChannelID, err = parseSnowflake(text.ID); err != nil {
		return nil, fmt.Errorf("text channel id: %w", err)
	}
	return channels, nil
}

// DeleteSessionChannels removes the session's channels, the category
// last. Missing channels are treated as already deleted.
func (c *Client) DeleteSessionChannels(ctx context.Context, channels lifecycle.Channels) error {
	var finalErr error
	for _, id := range []int64{channels.TextChannelID, channels.VoiceChannelID, channels.CategoryID} {
		if id == 0 {
			continue
		}
		if _, err := c.session.ChannelDelete(formatSnowflake(id), discordgo.WithContext(ctx)); err != nil && !isRESTNotFound(err) {
			finalErr = errors.Join(finalErr, fmt.Errorf("deleting channel %d: %w", id, err))
		}
	}
	return finalErr
}

func (c *Client) PostToChannel(ctx context.Context, channelID int64, message string) error {
	_, err := c.session.ChannelMessageSend(formatSnowflake(channelID), message, discordgo.WithContext(ctx))
	return err
}

func (c *Client) PostToUser(ctx context.Context, userID int64, message string) error {
	dm, err := c.session.UserChannelCreate(formatSnowflake(userID), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening dm channel: %w", err)
	}
	_, err = c.session.ChannelMessageSend(dm.ID, message, discordgo.WithContext(ctx))
	return err
}

// SendFile uploads an attachment to a channel.
func (c *Client) SendFile(ctx context.Context, channelID int64, name string, body io.Reader) error {
	_, err := c.session.ChannelFileSend(formatSnowflake(channelID), name, body, discordgo.WithContext(ctx))
	return err
}

// SendFileToUser uploads an attachment to a user's DM channel.
func (c *Client) SendFileToUser(ctx context.Context, userID int64, name string, body io.Reader) error {
	dm, err := c.session.UserChannelCreate(formatSnowflake(userID), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening dm channel: %w", err)
	}
	_, err = c.session.ChannelFileSend(dm.ID, name, body, discordgo.WithContext(ctx))
	return err
}

// ResolveMember returns the member's current display name, preferring
// the guild nick over the global and account names.
func (c *Client) ResolveMember(ctx context.Context, userID int64) (string, error) {
	member, err := c.member(ctx, formatSnowflake(userID))
	if err != nil {
		return "", err
	}
	if member.Nick != "" {
		return member.Nick, nil
	}
	if member.User != nil {
		if member.User.GlobalName != "" {
			return member.User.GlobalName, nil
		}
		return member.User.Username, nil
	}
	return "", fmt.Errorf("member %d has no resolvable name", userID)
}

// HasRole reports whether the member carries one of the bootstrap roles.
func (c *Client) HasRole(member *discordgo.Member, roleName string) bool {
	roleID, ok := c.roleIDs[roleName]
	if !ok || member == nil {
		return false
	}
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// VoiceOccupants reads the gateway state cache and returns the users
// currently connected to each voice channel of the guild.
func (c *Client) VoiceOccupants() map[int64][]int64 {
	occupants := make(map[int64][]int64)
	if c.session.State == nil {
		return occupants
	}
	guild, err := c.session.State.Guild(c.guildID)
	if err != nil || guild == nil {
		return occupants
	}
	for _, vs := range guild.VoiceStates {
		if vs == nil || vs.UserID == "" || vs.ChannelID == "" {
			continue
		}
		channelID, err := parseSnowflake(vs.ChannelID)
		if err != nil {
			continue
		}
		userID, err := parseSnowflake(vs.UserID)
		if err != nil {
			continue
		}
		occupants[channelID] = append(occupants[channelID], userID)
	}
	return occupants
}

func (c *Client) member(ctx context.Context, userID string) (*discordgo.Member, error) {
	if c.session.State != nil {
		if member, err := c.session.State.Member(c.guildID, userID); err == nil && member != nil {
			return member, nil
		}
	}
	member, err := c.session.GuildMember(c.guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching member %s: %w", userID, err)
	}
	return member, nil
}

func (c *Client) sessionOverwrites() []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{{
		ID:   c.guildID, // @everyone shares the guild id
		Type: discordgo.PermissionOverwriteTypeRole,
		Deny: discordgo.PermissionViewChannel,
	}}
	for _, name := range []string{RoleSubscriber, RoleCoach, RoleModerator} {
		roleID, ok := c.roleIDs[name]
		if !ok {
			continue
		}
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    roleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect | discordgo.PermissionSendMessages,
		})
	}
	return overwrites
}

func (c *Client) deleteChannel(ctx context.Context, channelID string) {
	if _, err := c.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		logrus.Errorf("cleaning up channel %s: %v", channelID, err)
	}
}

func isRESTNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Response != nil && restErr.Response.StatusCode == 404
}

func formatSnowflake(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseSnowflake(id string) (int64, error) {
	parsed, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing snowflake %q: %w", id, err)
	}
	return parsed, nil
}
