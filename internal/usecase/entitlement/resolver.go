package entitlement

import "storytime/internal/domain"

// Reason объясняет, почему зритель получил или не получил полный доступ.
type Reason string

const (
	ReasonSubscription  Reason = "subscription"
	ReasonStoryOfTheDay Reason = "story_of_the_day"
	ReasonAdUnlock      Reason = "ad_unlock"
	ReasonPreview       Reason = "preview"
)

// Decision результат проверки доступа.
type Decision struct {
	FullAccess bool
	Reason     Reason
}

// Resolve решает, видит ли зритель полный текст истории или превью.
// Подписка, история дня и открытие рекламой проверяются в этом порядке.
// Запись о рекламе учитывается только для той же истории и того же дня.
func Resolve(story domain.Story, viewer domain.ViewerContext, isStoryOfTheDay bool, record domain.UnlockRecord, today domain.Day) Decision {
	switch {
	case viewer.IsAuthenticated && viewer.SubscriptionActive:
		return Decision{FullAccess: true, Reason: ReasonSubscription}
	case isStoryOfTheDay:
		return Decision{FullAccess: true, Reason: ReasonStoryOfTheDay}
	case record.StoryID == story.ID && record.Day == today && record.Unlocked():
		return Decision{FullAccess: true, Reason: ReasonAdUnlock}
	}
	return Decision{FullAccess: false, Reason: ReasonPreview}
}
