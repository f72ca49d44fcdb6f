package core

import (
	"context"
	"fmt"

	"seqruncore/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewLibraryUniquenessRule())
	engine.Register(NewStatusVocabularyRule())
	return engine
}

// NewLibraryUniquenessRule returns the in-transaction rule ensuring the
// active association set of a sequence holds each library id at most once.
func NewLibraryUniquenessRule() domain.Rule {
	return libraryUniquenessRule{}
}

type libraryUniquenessRule struct{}

func (libraryUniquenessRule) Name() string { return "library_uniqueness" }

func (libraryUniquenessRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, seq := range view.ListSequences() {
		seen := make(map[string]bool)
		for _, assoc := range view.ListLibraryAssociations(seq.ID) {
			if assoc.Status != domain.AssociationActive {
				continue
			}
			if seen[assoc.LibraryID] {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "library_uniqueness",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("library %s linked to sequence %s more than once", assoc.LibraryID, seq.SequenceRunID),
					Entity:   domain.EntityLibraryAssociation,
					EntityID: assoc.ID,
				})
			}
			seen[assoc.LibraryID] = true
		}
	}
	return res, nil
}

// NewStatusVocabularyRule returns the in-transaction rule ensuring a stored
// sequence status always comes from the canonical upper-case vocabulary.
func NewStatusVocabularyRule() domain.Rule {
	return statusVocabularyRule{}
}

type statusVocabularyRule struct{}

func (statusVocabularyRule) Name() string { return "status_vocabulary" }

func (statusVocabularyRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntitySequence || change.Action == domain.ActionDelete {
			continue
		}
		seq, ok := change.After.(domain.Sequence)
		if !ok {
			continue
		}
		if seq.Status == nil {
			continue
		}
		if _, err := domain.ParseSequenceStatus(string(*seq.Status)); err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "status_vocabulary",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("sequence %s carries status %q outside the canonical vocabulary", seq.SequenceRunID, *seq.Status),
				Entity:   domain.EntitySequence,
				EntityID: seq.ID,
			})
		}
	}
	return res, nil
}
