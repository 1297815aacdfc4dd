package reader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"storytime/internal/adapters/text"
	"storytime/internal/domain"
	"storytime/internal/usecase/entitlement"
	"storytime/internal/usecase/unlock"
)

type storyRepo struct {
	stories []domain.Story
}

func (r *storyRepo) GetStory(_ context.Context, id string) (domain.Story, error) {
	for _, st := range r.stories {
		if st.ID == id {
			return st, nil
		}
	}
	return domain.Story{}, domain.ErrStoryNotFound
}

func (r *storyRepo) ListActiveStories(context.Context) ([]domain.Story, error) {
	var out []domain.Story
	for _, st := range r.stories {
		if st.IsActive {
			out = append(out, st)
		}
	}
	return out, nil
}

type sotdRepo struct {
	mu       sync.Mutex
	assigned map[domain.Day]string
	err      error
}

func (r *sotdRepo) StoryOfTheDay(_ context.Context, day domain.Day) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", false, r.err
	}
	id, ok := r.assigned[day]
	return id, ok, nil
}

func (r *sotdRepo) AssignStoryOfTheDay(_ context.Context, a domain.StoryOfTheDay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assigned == nil {
		r.assigned = make(map[domain.Day]string)
	}
	r.assigned[a.Date] = a.StoryID
	return nil
}

func (r *sotdRepo) ListStoryOfTheDay(context.Context, domain.Day, int) ([]domain.StoryOfTheDay, error) {
	return nil, nil
}

type feedbackRepo struct {
	saved []domain.SentenceFeedback
}

func (r *feedbackRepo) SaveSentenceFeedback(_ context.Context, fb domain.SentenceFeedback) (domain.SentenceFeedback, error) {
	fb.ID = int64(len(r.saved) + 1)
	r.saved = append(r.saved, fb)
	return fb, nil
}

type metricsRepo struct {
	events []string
}

func (r *metricsRepo) RecordBusinessMetric(_ context.Context, m domain.BusinessMetric) error {
	r.events = append(r.events, m.Event)
	return nil
}

var testNow = time.Date(2024, time.June, 1, 19, 0, 0, 0, time.UTC)

// longStory возвращает текст из одинаковых предложений длиной около chars символов.
func longStory(chars int) string {
	const sentence = "The little owl looked at the moon. "
	n := chars/len(sentence) + 1
	return strings.TrimSpace(strings.Repeat(sentence, n))
}

type fixture struct {
	svc      *Service
	stories  *storyRepo
	sotd     *sotdRepo
	feedback *feedbackRepo
	metrics  *metricsRepo
}

func newFixture(t *testing.T, stories ...domain.Story) fixture {
	t.Helper()
	f := fixture{
		stories:  &storyRepo{stories: stories},
		sotd:     &sotdRepo{},
		feedback: &feedbackRepo{},
		metrics:  &metricsRepo{},
	}
	ledger := unlock.NewLedger(unlock.NewMemoryStore(), time.UTC, unlock.WithClock(func() time.Time { return testNow }))
	f.svc = NewService(f.stories, f.sotd, ledger, WithFeedback(f.feedback), WithAnalytics(f.metrics))
	return f
}

func owlStory() domain.Story {
	return domain.Story{
		ID:              "owl",
		Title:           "The Brave Owl",
		DefaultFullText: longStory(2000),
		IsActive:        true,
		CreatedAt:       testNow.Add(-48 * time.Hour),
	}
}

func TestReadAnonymousGetsSentenceBoundedPreview(t *testing.T) {
	f := newFixture(t, owlStory())

	res, err := f.svc.Read(context.Background(), ReadRequest{StoryID: "owl", DeviceID: "d1", Length: domain.Length5Min})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.FullAccess || res.Access != entitlement.ReasonPreview || !res.Truncated {
		t.Fatalf("ожидали превью, получили %+v", res.Access)
	}
	if n := utf8.RuneCountInString(res.Text); n < text.PreviewLimit || n >= utf8.RuneCountInString(owlStory().DefaultFullText) {
		t.Fatalf("неожиданная длина превью: %d", n)
	}
	if !strings.HasSuffix(res.Text, ".") {
		t.Fatalf("превью должно заканчиваться на границе предложения")
	}
	if res.Length != domain.LengthFull || res.RequestedLength != domain.Length5Min {
		t.Fatalf("без вариантов ожидали откат к полному тексту, получили %s", res.Length)
	}
	if len(f.metrics.events) != 1 || f.metrics.events[0] != domain.BusinessMetricEventStoryRead {
		t.Fatalf("ожидали событие чтения, получили %v", f.metrics.events)
	}
}

func TestReadStoryOfTheDayIsFree(t *testing.T) {
	f := newFixture(t, owlStory())
	f.sotd.assigned = map[domain.Day]string{"2024-06-01": "owl"}

	res, err := f.svc.Read(context.Background(), ReadRequest{StoryID: "owl", DeviceID: "d1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.FullAccess || res.Access != entitlement.ReasonStoryOfTheDay || res.Truncated {
		t.Fatalf("история дня должна быть доступна целиком: %+v", res.Access)
	}
	if res.Text != owlStory().DefaultFullText || !res.IsStoryOfTheDay {
		t.Fatalf("ожидали полный текст")
	}
}

func TestReadSubscriberGetsVariant(t *testing.T) {
	story := owlStory()
	story.ShortVariants = map[domain.VariantKey]domain.Variant{
		{Gender: domain.GenderDefault, Length: domain.Length10Min}: {Text: "Ten minute owl.", EstimatedReadMinutes: 9},
	}
	f := newFixture(t, story)

	viewer := domain.ViewerContext{UserID: "u1", IsAuthenticated: true, SubscriptionActive: true}
	res, err := f.svc.Read(context.Background(), ReadRequest{StoryID: "owl", Viewer: viewer, Length: domain.Length5Min})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Access != entitlement.ReasonSubscription || res.Text != "Ten minute owl." || res.Length != domain.Length10Min {
		t.Fatalf("ожидали 10-минутный вариант по подписке, получили %+v", res)
	}
	if res.EstimatedReadMinutes == nil || *res.EstimatedReadMinutes != 9 {
		t.Fatalf("ожидали оценку времени варианта")
	}
}

func TestAdUnlockIsPerDevice(t *testing.T) {
	f := newFixture(t, owlStory())
	ctx := context.Background()

	for i := 0; i < domain.AdsToUnlock; i++ {
		if _, err := f.svc.RecordAdImpression(ctx, "d1", "owl"); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	res, err := f.svc.Read(ctx, ReadRequest{StoryID: "owl", DeviceID: "d1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Access != entitlement.ReasonAdUnlock || !res.Unlock.Unlocked {
		t.Fatalf("ожидали открытие рекламой, получили %s", res.Access)
	}

	other, err := f.svc.Read(ctx, ReadRequest{StoryID: "owl", DeviceID: "d2"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if other.FullAccess {
		t.Fatalf("открытие не должно переноситься на другое устройство")
	}

	unlocked := 0
	for _, e := range f.metrics.events {
		if e == domain.BusinessMetricEventStoryUnlocked {
			unlocked++
		}
	}
	if unlocked != 1 {
		t.Fatalf("ожидали одно событие открытия, получили %d", unlocked)
	}
}

func TestRecordAdImpressionUnknownStory(t *testing.T) {
	f := newFixture(t, owlStory())
	if _, err := f.svc.RecordAdImpression(context.Background(), "d1", "ghost"); !errors.Is(err, domain.ErrStoryNotFound) {
		t.Fatalf("ожидали ErrStoryNotFound, получили %v", err)
	}
}

func TestReadInactiveStoryNotFound(t *testing.T) {
	story := owlStory()
	story.IsActive = false
	f := newFixture(t, story)

	if _, err := f.svc.Read(context.Background(), ReadRequest{StoryID: "owl"}); !errors.Is(err, domain.ErrStoryNotFound) {
		t.Fatalf("ожидали ErrStoryNotFound, получили %v", err)
	}
}

func TestTodayFallsBackToOldestWithoutFreeAccess(t *testing.T) {
	older := owlStory()
	older.ID = "older"
	newer := owlStory()
	newer.ID = "newer"
	f := newFixture(t, older, newer)

	res, err := f.svc.Today(context.Background(), ReadRequest{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Story.ID != "older" || res.FullAccess || res.IsStoryOfTheDay {
		t.Fatalf("ожидали запасную историю без бесплатного доступа: %s %v", res.Story.ID, res.Access)
	}

	f.sotd.assigned = map[domain.Day]string{"2024-06-01": "newer"}
	res, err = f.svc.Today(context.Background(), ReadRequest{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Story.ID != "newer" || res.Access != entitlement.ReasonStoryOfTheDay {
		t.Fatalf("ожидали назначенную историю дня, получили %s %s", res.Story.ID, res.Access)
	}
}

func TestTodayDegradesWhenAssignmentsUnavailable(t *testing.T) {
	f := newFixture(t, owlStory())
	f.sotd.err = errors.New("db down")

	res, err := f.svc.Today(context.Background(), ReadRequest{})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Story.ID != "owl" || res.FullAccess {
		t.Fatalf("ожидали запасную историю с превью")
	}
}

func TestTodayWithoutStories(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Today(context.Background(), ReadRequest{}); !errors.Is(err, domain.ErrStoryNotFound) {
		t.Fatalf("ожидали ErrStoryNotFound, получили %v", err)
	}
}

func TestSubmitFeedback(t *testing.T) {
	story := owlStory()
	story.DefaultFullText = "The owl woke up. It was dark! Where was the moon?"
	f := newFixture(t, story)
	ctx := context.Background()
	viewer := domain.ViewerContext{UserID: "u1", IsAuthenticated: true}

	_, err := f.svc.SubmitFeedback(ctx, FeedbackRequest{ReadRequest: ReadRequest{StoryID: "owl"}, SentenceIndex: 0, Reason: "tone"})
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("ожидали ErrAuthRequired, получили %v", err)
	}

	_, err = f.svc.SubmitFeedback(ctx, FeedbackRequest{ReadRequest: ReadRequest{StoryID: "owl", Viewer: viewer}, SentenceIndex: 0, Reason: "  "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ожидали ErrInvalidInput, получили %v", err)
	}

	_, err = f.svc.SubmitFeedback(ctx, FeedbackRequest{ReadRequest: ReadRequest{StoryID: "owl", Viewer: viewer}, SentenceIndex: 3, Reason: "tone"})
	if !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("ожидали ErrInvalidSentence, получили %v", err)
	}

	_, err = f.svc.SubmitFeedback(ctx, FeedbackRequest{ReadRequest: ReadRequest{StoryID: "owl", Viewer: viewer}, SentenceIndex: 1, TextSpan: "moon", Reason: "tone"})
	if !errors.Is(err, ErrInvalidSentence) {
		t.Fatalf("фрагмент из другого предложения должен отклоняться, получили %v", err)
	}

	fb, err := f.svc.SubmitFeedback(ctx, FeedbackRequest{ReadRequest: ReadRequest{StoryID: "owl", Viewer: viewer}, SentenceIndex: 1, Reason: " scary ", Comment: "too dark"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if fb.TextSpan != "It was dark!" || fb.Reason != "scary" || fb.Version.String() != "default-full" {
		t.Fatalf("неожиданное замечание: %+v", fb)
	}
}

func TestAssignStoryOfTheDay(t *testing.T) {
	f := newFixture(t, owlStory())
	ctx := context.Background()

	if _, err := f.svc.AssignStoryOfTheDay(ctx, "01.06.2024", "owl"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("ожидали ErrInvalidInput, получили %v", err)
	}
	if _, err := f.svc.AssignStoryOfTheDay(ctx, "2024-06-02", "ghost"); !errors.Is(err, domain.ErrStoryNotFound) {
		t.Fatalf("ожидали ErrStoryNotFound, получили %v", err)
	}
	a, err := f.svc.AssignStoryOfTheDay(ctx, "2024-06-02T08:00:00Z", "owl")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if a.Date != "2024-06-02" || f.sotd.assigned["2024-06-02"] != "owl" {
		t.Fatalf("назначение не сохранено: %+v", a)
	}
}
