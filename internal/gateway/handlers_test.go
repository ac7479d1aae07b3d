package gateway

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

func TestSnowflakeRoundTrip(t *testing.T) {
	id, err := parseSnowflake("123456789012345678")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := formatSnowflake(id); got != "123456789012345678" {
		t.Errorf("round trip: got %q", got)
	}

	if _, err := parseSnowflake("not-a-snowflake"); err == nil {
		t.Error("expected error for malformed snowflake")
	}
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{
			fmt.Errorf("%w: unknown session type %q", models.ErrValidation, "ranked"),
			`That doesn't look right: unknown session type "ranked"`,
		},
		{
			fmt.Errorf("%w: slots are full", models.ErrStateConflict),
			"slots are full",
		},
		{
			fmt.Errorf("session 7: %w", models.ErrNotFound),
			"Nothing found for that, check the session or user.",
		},
		{
			fmt.Errorf("%w: only the coach may confirm the session outcome", models.ErrPermissionDenied),
			"You can't do that: only the coach may confirm the session outcome",
		},
		{
			fmt.Errorf("dial tcp: connection refused"),
			"Something went wrong, try again later.",
		},
	}
	for _, tc := range cases {
		if got := userMessage(tc.err); got != tc.want {
			t.Errorf("userMessage(%v): got %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestQuitTarget(t *testing.T) {
	message := func(mentionIDs ...string) *discordgo.MessageCreate {
		m := &discordgo.MessageCreate{Message: &discordgo.Message{}}
		for _, id := range mentionIDs {
			m.Mentions = append(m.Mentions, &discordgo.User{ID: id})
		}
		return m
	}

	if target, errMessage := quitTarget(message(), 10, false); target != 10 || errMessage != "" {
		t.Errorf("self quit: got %d %q, want author", target, errMessage)
	}

	if target, errMessage := quitTarget(message("20"), 100, true); target != 20 || errMessage != "" {
		t.Errorf("coach kick: got %d %q, want mentioned user", target, errMessage)
	}

	if _, errMessage := quitTarget(message("20"), 10, false); errMessage == "" {
		t.Error("participant kicked someone else")
	}

	if _, errMessage := quitTarget(message("20", "30"), 100, true); errMessage == "" {
		t.Error("multiple mentions accepted")
	}

	if _, errMessage := quitTarget(message("bogus"), 100, true); errMessage == "" {
		t.Error("malformed mention accepted")
	}
}

func TestInteractionUserID(t *testing.T) {
	fromMember := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "42"}},
	}}
	if got := interactionUserID(fromMember); got != 42 {
		t.Errorf("member interaction: got %d, want 42", got)
	}

	fromDM := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		User: &discordgo.User{ID: "43"},
	}}
	if got := interactionUserID(fromDM); got != 43 {
		t.Errorf("dm interaction: got %d, want 43", got)
	}

	empty := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	if got := interactionUserID(empty); got != 0 {
		t.Errorf("anonymous interaction: got %d, want 0", got)
	}
}
