package generation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"storytime/internal/domain"
)

func batchStories(n int) []domain.Story {
	stories := make([]domain.Story, 0, n)
	for i := 0; i < n; i++ {
		st := sampleStory()
		st.ID = fmt.Sprintf("s%d", i+1)
		stories = append(stories, st)
	}
	return stories
}

func TestRunBatchCountsOutcomes(t *testing.T) {
	stories := batchStories(3)
	stories[2].DefaultFullText = longText(2050)
	condenser := &fakeCondenser{fn: func(req domain.CondenseRequest) (string, error) {
		switch req.SourceText {
		case stories[2].DefaultFullText:
			return "", errors.New("upstream 500")
		}
		if req.SourceText == stories[1].GenderedFullText[domain.GenderGirl] {
			return "", errors.New("timeout")
		}
		return longText(400), nil
	}}
	// s2 получает отдельный текст девочки, чтобы сломать только его
	stories[1].GenderedFullText = map[domain.Gender]string{domain.GenderGirl: longText(2200)}
	stories[2].GenderedFullText = nil

	svc := NewService(&stubStories{stories: stories}, &recordingStore{}, condenser)
	var reports []StoryReport
	summary, err := svc.RunBatch(context.Background(), BatchOptions{
		Lengths: []domain.Length{domain.Length5Min},
		OnStory: func(r StoryReport) { reports = append(reports, r) },
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Processed != 3 || summary.Succeeded != 1 || summary.Partial != 1 || summary.Failed != 1 {
		t.Fatalf("неожиданные итоги: %+v", summary)
	}
	if len(reports) != 3 || reports[2].Outcome != OutcomeFailed {
		t.Fatalf("неожиданные отчёты: %+v", reports)
	}
	if summary.Duration <= 0 {
		t.Fatalf("ожидали заполненную длительность")
	}
}

func TestRunBatchDerivesGendersFromTexts(t *testing.T) {
	stories := batchStories(1)
	condenser := &fakeCondenser{}
	svc := NewService(&stubStories{stories: stories}, &recordingStore{}, condenser)

	if _, err := svc.RunBatch(context.Background(), BatchOptions{}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// default и girl на обе длины
	if len(condenser.calls) != 4 {
		t.Fatalf("ожидали 4 вызова, получили %d", len(condenser.calls))
	}
}

func TestRunBatchStopsOnConfigurationError(t *testing.T) {
	stories := batchStories(3)
	condenser := &fakeCondenser{fn: func(domain.CondenseRequest) (string, error) {
		return "", domain.ErrCondenserNotConfigured
	}}
	svc := NewService(&stubStories{stories: stories}, &recordingStore{}, condenser)

	summary, err := svc.RunBatch(context.Background(), BatchOptions{})
	if !errors.Is(err, domain.ErrCondenserNotConfigured) {
		t.Fatalf("ожидали ошибку конфигурации, получили %v", err)
	}
	if summary.Processed != 1 || len(condenser.calls) != 1 {
		t.Fatalf("пакет должен остановиться на первой истории: %+v, вызовов %d", summary, len(condenser.calls))
	}
}

func TestRunBatchCancellationBetweenStories(t *testing.T) {
	stories := batchStories(5)
	ctx, cancel := context.WithCancel(context.Background())
	condenser := &fakeCondenser{}
	condenser.fn = func(req domain.CondenseRequest) (string, error) {
		// отмена во время первой истории не должна прерывать её пары
		cancel()
		return longText(300), nil
	}
	store := &recordingStore{}
	svc := NewService(&stubStories{stories: stories}, store, condenser)

	summary, err := svc.RunBatch(ctx, BatchOptions{Lengths: []domain.Length{domain.Length5Min}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !summary.Stopped || summary.Processed != 1 || summary.Succeeded != 1 {
		t.Fatalf("ожидали остановку после первой истории: %+v", summary)
	}
	if len(store.writes) != 1 || len(store.writes[0]) != 2 {
		t.Fatalf("начатая история должна завершиться и сохраниться")
	}
}

func TestRunBatchRangeAndDryRun(t *testing.T) {
	stories := batchStories(5)
	condenser := &fakeCondenser{}
	store := &recordingStore{}
	svc := NewService(&stubStories{stories: stories}, store, condenser)

	var ids []string
	summary, err := svc.RunBatch(context.Background(), BatchOptions{
		Offset:  1,
		Limit:   2,
		DryRun:  true,
		OnStory: func(r StoryReport) { ids = append(ids, r.StoryID) },
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if fmt.Sprint(ids) != "[s2 s3]" {
		t.Fatalf("ожидали истории s2 и s3, получили %v", ids)
	}
	if summary.Processed != 2 || len(condenser.calls) != 0 || len(store.writes) != 0 {
		t.Fatalf("пробный запуск не должен вызывать модель и писать в хранилище")
	}
}

func TestRunBatchHonoursDelay(t *testing.T) {
	stories := batchStories(3)
	svc := NewService(&stubStories{stories: stories}, &recordingStore{}, &fakeCondenser{})

	start := time.Now()
	if _, err := svc.RunBatch(context.Background(), BatchOptions{Delay: 30 * time.Millisecond, DryRun: true}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Fatalf("ожидали паузы между историями, прошло %s", elapsed)
	}
}

func TestRunBatchListError(t *testing.T) {
	svc := NewService(&stubStories{err: errors.New("db down")}, &recordingStore{}, &fakeCondenser{})
	if _, err := svc.RunBatch(context.Background(), BatchOptions{}); err == nil {
		t.Fatalf("ожидали ошибку получения историй")
	}
}

func TestRunBatchMissingOnlySkipsStoredVariants(t *testing.T) {
	stories := batchStories(2)
	stored := domain.Variant{Text: "готово", EstimatedReadMinutes: 1}
	stories[0].ShortVariants = map[domain.VariantKey]domain.Variant{
		{Gender: domain.GenderDefault, Length: domain.Length5Min}:  stored,
		{Gender: domain.GenderDefault, Length: domain.Length10Min}: stored,
		{Gender: domain.GenderGirl, Length: domain.Length5Min}:     stored,
	}
	stories[1].ShortVariants = map[domain.VariantKey]domain.Variant{
		{Gender: domain.GenderDefault, Length: domain.Length5Min}:  stored,
		{Gender: domain.GenderDefault, Length: domain.Length10Min}: stored,
		{Gender: domain.GenderGirl, Length: domain.Length5Min}:     stored,
		{Gender: domain.GenderGirl, Length: domain.Length10Min}:    stored,
	}
	condenser := &fakeCondenser{}
	svc := NewService(&stubStories{stories: stories}, &recordingStore{}, condenser)

	var reports []StoryReport
	summary, err := svc.RunBatch(context.Background(), BatchOptions{
		MissingOnly: true,
		OnStory:     func(r StoryReport) { reports = append(reports, r) },
	})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// у s1 не хватает только girl/10min, s2 заполнена полностью
	if len(condenser.calls) != 1 {
		t.Fatalf("ожидали 1 вызов, получили %d", len(condenser.calls))
	}
	if summary.Succeeded != 1 || summary.Skipped != 1 {
		t.Fatalf("неожиданные итоги: %+v", summary)
	}
	if reports[1].Outcome != OutcomeSkipped {
		t.Fatalf("ожидали пропуск заполненной истории, получили %s", reports[1].Outcome)
	}
}
