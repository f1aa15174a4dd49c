package model

import "time"

// NewsletterIssue 已发布的一期内容，创建后不可变
type NewsletterIssue struct {
	ID          string    `gorm:"column:newsletter_issue_id;primaryKey;type:varchar(36)"`
	Title       string    `gorm:"type:text;not null"`
	TextContent string    `gorm:"column:text;type:text;not null"`
	HTMLContent string    `gorm:"column:html;type:text;not null"`
	PublishedAt time.Time `gorm:"not null"`
}

func (NewsletterIssue) TableName() string { return "newsletter_issues" }
