package store

import (
	"fmt"

	"github.com/verdictlab/courtroom/internal/models"
)

// Path layout for one session. Mapping-valued entities (participants,
// readiness, votes) store each entry under its own child key so that
// concurrent writers never clobber each other's entries under
// last-write-wins.

func SessionPath(sessionID string) string {
	return "sessions/" + sessionID
}

func HostPath(sessionID string) string {
	return SessionPath(sessionID) + "/host"
}

func HostPresencePath(sessionID string) string {
	return SessionPath(sessionID) + "/host_presence"
}

func ParticipantsPattern(sessionID string) string {
	return SessionPath(sessionID) + "/participants/*"
}

func ParticipantPath(sessionID, participantID string) string {
	return fmt.Sprintf("%s/participants/%s", SessionPath(sessionID), participantID)
}

func TimerPath(sessionID string) string {
	return SessionPath(sessionID) + "/timer"
}

func ReadinessPath(sessionID string, phase models.ReadinessPhase) string {
	return fmt.Sprintf("%s/readiness/%s", SessionPath(sessionID), phase)
}

func ReadinessPattern(sessionID string, phase models.ReadinessPhase) string {
	return ReadinessPath(sessionID, phase) + "/*"
}

func ReadyEntryPath(sessionID string, phase models.ReadinessPhase, participantID string) string {
	return fmt.Sprintf("%s/%s", ReadinessPath(sessionID, phase), participantID)
}

func ReadyGatePath(sessionID string, phase models.ReadinessPhase) string {
	return fmt.Sprintf("%s/gates/%s", SessionPath(sessionID), phase)
}

func ConsensusPath(sessionID string, purpose models.VotePurpose) string {
	return fmt.Sprintf("%s/votes/%s", SessionPath(sessionID), purpose)
}

func ConsensusRequestPath(sessionID string, purpose models.VotePurpose) string {
	return ConsensusPath(sessionID, purpose) + "/request"
}

func AgreedPattern(sessionID string, purpose models.VotePurpose) string {
	return ConsensusPath(sessionID, purpose) + "/agreed/*"
}

func AgreedEntryPath(sessionID string, purpose models.VotePurpose, participantID string) string {
	return fmt.Sprintf("%s/agreed/%s", ConsensusPath(sessionID, purpose), participantID)
}

func PaidUsersPath(sessionID string) string {
	return SessionPath(sessionID) + "/paid_users"
}

func PaidUsersPattern(sessionID string) string {
	return PaidUsersPath(sessionID) + "/*"
}

func PaidUserPath(sessionID, displayName string) string {
	return fmt.Sprintf("%s/%s", PaidUsersPath(sessionID), displayName)
}

func PaymentLockPath(sessionID string) string {
	return SessionPath(sessionID) + "/payment_lock"
}

func LockClearPath(sessionID string) string {
	return SessionPath(sessionID) + "/payment_lock_clear"
}

func VerdictPath(sessionID string) string {
	return SessionPath(sessionID) + "/verdict"
}

func VerdictLoadingPath(sessionID string) string {
	return SessionPath(sessionID) + "/verdict_loading"
}

func MessagesPattern(sessionID string) string {
	return SessionPath(sessionID) + "/messages/*"
}

func MessagePath(sessionID, messageID string) string {
	return fmt.Sprintf("%s/messages/%s", SessionPath(sessionID), messageID)
}

func SessionPattern(sessionID string) string {
	return SessionPath(sessionID) + "/>"
}

// LastSegment returns the final path segment, e.g. the participant id
// of a readiness entry event.
func LastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
