// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package learner

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process LessonStore with keyword-overlap retrieval.
// Deployments with a knowledge collaborator plug their own implementation
// into the same interface.
type MemoryStore struct {
	mu      sync.RWMutex
	lessons map[string][]storedLesson // workspace -> lessons
}

type storedLesson struct {
	taskID string
	lesson Lesson
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lessons: map[string][]storedLesson{}}
}

func (m *MemoryStore) SaveLessons(_ context.Context, workspace, taskID string, lessons []Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lesson := range lessons {
		m.lessons[workspace] = append(m.lessons[workspace], storedLesson{taskID: taskID, lesson: lesson})
	}
	return nil
}

// SearchLessons scores by keyword overlap between the query and the
// lesson's summary, details, and tags, weighted by confidence.
func (m *MemoryStore) SearchLessons(_ context.Context, workspace, query string, k int) ([]Lesson, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	queryTokens := tokenize(query)
	type scored struct {
		lesson Lesson
		score  float64
	}
	var candidates []scored
	for _, stored := range m.lessons[workspace] {
		overlap := overlapCount(queryTokens, lessonTokens(stored.lesson))
		if overlap == 0 {
			continue
		}
		candidates = append(candidates, scored{
			lesson: stored.lesson,
			score:  float64(overlap) * (0.5 + stored.lesson.Confidence/2),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Lesson, len(candidates))
	for i, c := range candidates {
		out[i] = c.lesson
	}
	return out, nil
}

func lessonTokens(l Lesson) map[string]bool {
	text := l.Summary + " " + l.Details + " " + strings.Join(l.Tags, " ")
	return tokenize(text)
}

func tokenize(s string) map[string]bool {
	tokens := map[string]bool{}
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) > 2 {
			tokens[word] = true
		}
	}
	return tokens
}

func overlapCount(a, b map[string]bool) int {
	count := 0
	for token := range a {
		if b[token] {
			count++
		}
	}
	return count
}
