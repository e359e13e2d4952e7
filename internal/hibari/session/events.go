package session

import "fmt"

// HandleRecall reports that a message was deleted by its author. The
// deleted content is quoted when it is still cached.
func (s *Session) HandleRecall(messageID string) error {
	s.mu.Lock()
	var found *CachedMessage
	for i := len(s.cached) - 1; i >= 0; i-- {
		if s.cached[i].MessageID == messageID {
			m := s.cached[i]
			found = &m
			break
		}
	}
	s.mu.Unlock()

	text := fmt.Sprintf("message %s was deleted", messageID)
	if found != nil {
		text = fmt.Sprintf("%s deleted their message (%s): %q", found.SenderName, messageID, found.Content)
	}
	return s.PostEvent(text, TriggerProbability)
}

// HandlePoke reports a poke. Pokes aimed at the assistant always get an
// answer; others may.
func (s *Session) HandlePoke(operator, target string, toMe bool) error {
	if toMe {
		return s.PostEvent(fmt.Sprintf("%s poked you", operator), TriggerAll)
	}
	return s.PostEvent(fmt.Sprintf("%s poked %s", operator, target), TriggerProbability)
}

// HandleInteraction reports an action a user did to the assistant.
// Refusable actions are registered as pending and their id is given to the
// model so it can call refuse_interaction.
func (s *Session) HandleInteraction(nickname, userID string, action Action) (string, error) {
	text := fmt.Sprintf("%s did %q to you", nickname, action.Name)
	id := ""
	if action.Refusable {
		id = s.CreatePendingInteraction(userID, nickname, action)
		text += fmt.Sprintf("; you may refuse it with interaction id %s", id)
	}
	return id, s.PostEvent(text, TriggerAll)
}

// HandleReaction reports an emoji reaction to a message. probability is the
// chance the reaction is worth considering at all, drawn before queueing.
func (s *Session) HandleReaction(nickname, emoji, messageID string, probability float64) error {
	if s.deps.Rand() > probability {
		return nil
	}
	return s.PostEvent(fmt.Sprintf("%s reacted %s to message %s", nickname, emoji, messageID), TriggerProbability)
}
