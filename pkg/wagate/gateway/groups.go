package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/wagate/pkg/wagate/session"
	"github.com/jholhewres/wagate/pkg/wagate/waclient"
)

// ListGroups returns every group chat the account participates in.
func (s *Service) ListGroups(ctx context.Context) ([]waclient.Chat, error) {
	return s.listChatsOfKind(ctx, waclient.ChatGroup)
}

// ListDiffusions returns the account's broadcast lists. Membership is
// decided by chat kind, not by naming conventions.
func (s *Service) ListDiffusions(ctx context.Context) ([]waclient.Chat, error) {
	return s.listChatsOfKind(ctx, waclient.ChatBroadcast)
}

func (s *Service) listChatsOfKind(ctx context.Context, kind waclient.ChatKind) ([]waclient.Chat, error) {
	client := s.session.Client()
	if client == nil {
		return nil, session.NewError(session.KindNotInitialized, "session not initialized")
	}
	chats, err := client.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make([]waclient.Chat, 0, len(chats))
	for _, c := range chats {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

// GroupByID finds a group by its chat ID or exact name.
func (s *Service) GroupByID(ctx context.Context, ref string) (waclient.Chat, error) {
	groups, err := s.ListGroups(ctx)
	if err != nil {
		return waclient.Chat{}, err
	}
	for _, g := range groups {
		if g.ID == ref || strings.EqualFold(g.Name, ref) {
			return g, nil
		}
	}
	return waclient.Chat{}, session.NewError(session.KindDestinationNotFound, "group not found: "+ref)
}

// CreateGroup creates a group with the given participants. Participant
// numbers are resolved to registered accounts first.
func (s *Service) CreateGroup(ctx context.Context, name string, participants []string) (waclient.Chat, error) {
	if strings.TrimSpace(name) == "" {
		return waclient.Chat{}, fmt.Errorf("group name is required")
	}
	if len(participants) == 0 {
		return waclient.Chat{}, fmt.Errorf("at least one participant is required")
	}
	if err := s.session.RetryTransient(ctx, s.retry, func() error {
		return s.session.CheckReady(ctx)
	}); err != nil {
		return waclient.Chat{}, err
	}

	resolved := make([]string, 0, len(participants))
	for _, p := range participants {
		id, err := s.resolveDestination(ctx, p)
		if err != nil {
			return waclient.Chat{}, err
		}
		resolved = append(resolved, id)
	}

	client := s.session.Client()
	if client == nil {
		return waclient.Chat{}, session.NewError(session.KindNotInitialized, "session not initialized")
	}
	chat, err := client.CreateGroup(ctx, name, resolved)
	if err != nil {
		return waclient.Chat{}, fmt.Errorf("create group %q: %w", name, err)
	}
	s.logger.Info("group created",
		slog.String("name", name), slog.String("id", chat.ID), slog.Int("participants", len(resolved)))
	return chat, nil
}

// CreateDiffusion is not supported: the network only allows broadcast lists
// to be created from the phone. The error says so instead of failing deeper
// in the stack.
func (s *Service) CreateDiffusion(ctx context.Context, name string, participants []string) (waclient.Chat, error) {
	return waclient.Chat{}, fmt.Errorf("broadcast lists can only be created from the linked phone")
}

// SendToGroup sends a text message to a group addressed by ID or name.
func (s *Service) SendToGroup(ctx context.Context, ref, body string) (waclient.Receipt, error) {
	group, err := s.GroupByID(ctx, ref)
	if err != nil {
		return waclient.Receipt{}, err
	}
	return s.SendText(ctx, group.ID, body)
}

// SendMediaToGroup sends an attachment to a group addressed by ID or name.
func (s *Service) SendMediaToGroup(ctx context.Context, ref, mediaURL, caption, filename string) (waclient.Receipt, error) {
	group, err := s.GroupByID(ctx, ref)
	if err != nil {
		return waclient.Receipt{}, err
	}
	return s.SendMedia(ctx, group.ID, mediaURL, caption, filename)
}

// diffusionByRef finds a broadcast list by its chat ID or exact name.
func (s *Service) diffusionByRef(ctx context.Context, ref string) (waclient.Chat, error) {
	lists, err := s.ListDiffusions(ctx)
	if err != nil {
		return waclient.Chat{}, err
	}
	for _, l := range lists {
		if l.ID == ref || strings.EqualFold(l.Name, ref) {
			return l, nil
		}
	}
	return waclient.Chat{}, session.NewError(session.KindDestinationNotFound, "broadcast list not found: "+ref)
}

// SendToDiffusion sends a text message to a broadcast list addressed by ID
// or name.
func (s *Service) SendToDiffusion(ctx context.Context, ref, body string) (waclient.Receipt, error) {
	list, err := s.diffusionByRef(ctx, ref)
	if err != nil {
		return waclient.Receipt{}, err
	}
	return s.SendText(ctx, list.ID, body)
}

// SendMediaToDiffusion sends an attachment to a broadcast list addressed by
// ID or name.
func (s *Service) SendMediaToDiffusion(ctx context.Context, ref, mediaURL, caption, filename string) (waclient.Receipt, error) {
	list, err := s.diffusionByRef(ctx, ref)
	if err != nil {
		return waclient.Receipt{}, err
	}
	return s.SendMedia(ctx, list.ID, mediaURL, caption, filename)
}
