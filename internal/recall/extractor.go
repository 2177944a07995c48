package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/sirupsen/logrus"
)

// Candidate is a memory entry proposed by a Classifier.
type Candidate struct {
	Type       memory.EntryType
	Importance int
	Content    string
}

// Classifier decides whether one turn message is worth remembering.
type Classifier interface {
	Classify(msg memory.ChatTurnMessage) (Candidate, bool)
}

var (
	DefaultPreferenceKeywords = []string{
		"i like", "i prefer", "i want", "i need", "i love", "i hate",
		"my favorite", "i always", "i never", "i usually", "i typically",
	}
	DefaultFactKeywords = []string{
		"remember", "note that", "important", "keep in mind",
		"fact:", "info:", "data:", "statistics",
	}
)

// KeywordClassifier flags user preferences and assistant facts by
// case-insensitive substring match. The first match wins.
type KeywordClassifier struct {
	PreferenceKeywords []string
	FactKeywords       []string
}

func NewKeywordClassifier() KeywordClassifier {
	return KeywordClassifier{
		PreferenceKeywords: DefaultPreferenceKeywords,
		FactKeywords:       DefaultFactKeywords,
	}
}

func (c KeywordClassifier) Classify(msg memory.ChatTurnMessage) (Candidate, bool) {
	lower := strings.ToLower(msg.Content)
	switch msg.Role {
	case memory.RoleUser:
		if containsAny(lower, c.PreferenceKeywords) {
			return Candidate{
				Type:       memory.TypeUserPreference,
				Importance: 8,
				Content:    "User preference: " + msg.Content,
			}, true
		}
	case memory.RoleAssistant:
		if containsAny(lower, c.FactKeywords) {
			return Candidate{
				Type:       memory.TypeFact,
				Importance: 6,
				Content:    "Fact: " + msg.Content,
			}, true
		}
	}
	return Candidate{}, false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// Extractor turns classified messages into stored memory entries.
type Extractor struct {
	memories   *Memories
	classifier Classifier
	log        *logrus.Entry
}

func NewExtractor(memories *Memories, classifier Classifier, log *logrus.Entry) *Extractor {
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	return &Extractor{
		memories:   memories,
		classifier: classifier,
		log:        logging.OrComponent(log, "extractor"),
	}
}

// Extract classifies each message and stores one entry per match. A failed
// write does not stop the remaining candidates; all failures are joined.
func (e *Extractor) Extract(ctx context.Context, scope Scope, msgs []memory.ChatTurnMessage) ([]memory.Entry, error) {
	var (
		stored []memory.Entry
		errs   []error
	)
	for i, msg := range msgs {
		cand, ok := e.classifier.Classify(msg)
		if !ok {
			continue
		}
		entry := memory.NewEntry(scope.ConversationID, scope.UserID, cand.Type, cand.Importance, cand.Content)
		saved, err := e.memories.Add(ctx, entry)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"conversation_id": scope.ConversationID,
				"entry_type":      cand.Type,
			}).Warn("memory extraction write failed")
			errs = append(errs, fmt.Errorf("message %d: %w", i, err))
			continue
		}
		stored = append(stored, saved)
	}
	return stored, errors.Join(errs...)
}
