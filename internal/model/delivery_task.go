package model

// DeliveryTask 投递队列中的一条待办：把某期发给某个订阅者。
// 只增只删，不更新；(newsletter_issue_id, subscriber_email) 为复合主键。
type DeliveryTask struct {
	NewsletterIssueID string `gorm:"primaryKey;type:varchar(36)"`
	SubscriberEmail   string `gorm:"primaryKey;type:varchar(320)"`
}

func (DeliveryTask) TableName() string { return "issue_delivery_queue" }
