package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender 通过 Amazon SES v2 发信
type SESSender struct {
	client    sesAPI
	fromEmail string
}

// NewSESSender loads the default AWS credential chain for region.
func NewSESSender(ctx context.Context, region, from string) (*SESSender, error) {
	if from == "" {
		return nil, fmt.Errorf("ses sender address is not set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), fromEmail: from}, nil
}

func (s *SESSender) Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.fromEmail),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
					Text: &types.Content{Data: aws.String(textBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return &SendError{Provider: "ses", Transient: sesTransient(err), Err: err}
	}
	return nil
}

// 被拒收、发信域未验证等属于永久失败，其余（限流、网络）可重试
func sesTransient(err error) bool {
	var (
		rejected   *types.MessageRejected
		badRequest *types.BadRequestException
		notVerify  *types.MailFromDomainNotVerifiedException
		suspended  *types.AccountSuspendedException
		paused     *types.SendingPausedException
		notFound   *types.NotFoundException
	)
	switch {
	case errors.As(err, &rejected),
		errors.As(err, &badRequest),
		errors.As(err, &notVerify),
		errors.As(err, &suspended),
		errors.As(err, &paused),
		errors.As(err, &notFound):
		return false
	}
	return true
}
