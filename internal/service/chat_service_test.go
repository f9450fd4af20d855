package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lumina-backend/internal/auth"
	"lumina-backend/internal/config"
	"lumina-backend/internal/llm"
	"lumina-backend/internal/model"
	"lumina-backend/internal/quota"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedConv 可编排的远端绑定替身
type scriptedConv struct {
	variant model.ModelVariant
	sendFn  func(ctx context.Context, content llm.Content) (*schema.StreamReader[*schema.Message], error)

	mu      sync.Mutex
	replies []string
}

func (c *scriptedConv) SendStream(ctx context.Context, content llm.Content) (*schema.StreamReader[*schema.Message], error) {
	return c.sendFn(ctx, content)
}

func (c *scriptedConv) RecordReply(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, text)
}

func (c *scriptedConv) Variant() model.ModelVariant {
	return c.variant
}

func (c *scriptedConv) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.replies...)
}

// streamOf 构造一条先发若干片段、再以finalErr或正常EOF结束的流
func streamOf(chunks []string, finalErr error) func(ctx context.Context, content llm.Content) (*schema.StreamReader[*schema.Message], error) {
	return func(_ context.Context, _ llm.Content) (*schema.StreamReader[*schema.Message], error) {
		reader, writer := schema.Pipe[*schema.Message](len(chunks) + 1)
		go func() {
			defer writer.Close()
			for _, chunk := range chunks {
				writer.Send(&schema.Message{Role: schema.Assistant, Content: chunk}, nil)
			}
			if finalErr != nil {
				writer.Send(nil, finalErr)
			}
		}()
		return reader, nil
	}
}

type memQuotaStore struct {
	mu   sync.Mutex
	recs map[string]model.QuotaRecord
}

func newMemQuotaStore() *memQuotaStore {
	return &memQuotaStore{recs: make(map[string]model.QuotaRecord)}
}

func (s *memQuotaStore) Get(_ context.Context, userID string) (*model.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[userID]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *memQuotaStore) Set(_ context.Context, userID string, rec model.QuotaRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[userID] = rec
	return nil
}

func (s *memQuotaStore) Close() error { return nil }

func newTestService(t *testing.T, bind bindFunc, authProv auth.Provider) *ChatService {
	t.Helper()

	cfg := &config.Config{}
	cfg.Storage.Type = "memory"
	cfg.Quota.DailyImageLimit = 3

	tracker := quota.NewTracker(newMemQuotaStore(), 3)

	svc := NewChatService(cfg, authProv, tracker)
	if bind != nil {
		svc.bind = bind
	}
	require.NoError(t, svc.LoadAll())
	t.Cleanup(func() { svc.Close() })

	return svc
}

func bindConv(conv *scriptedConv) bindFunc {
	return func(_ context.Context, _ *config.Config, _ model.ModelVariant, _ string, _ []model.ChatMessage) (conversation, error) {
		return conv, nil
	}
}

func drainStream(t *testing.T, respChan <-chan model.ChatResponse, errChan <-chan error) ([]model.ChatResponse, error) {
	t.Helper()

	var responses []model.ChatResponse
	timeout := time.After(5 * time.Second)
	for {
		select {
		case resp, ok := <-respChan:
			if !ok {
				return responses, <-errChan
			}
			responses = append(responses, resp)
		case <-timeout:
			t.Fatal("stream did not finish in time")
			return nil, nil
		}
	}
}

func TestStreamChatFoldsFragmentsInOrder(t *testing.T) {
	conv := &scriptedConv{
		variant: model.ModelGeneral,
		sendFn:  streamOf([]string{"Hel", "lo, ", "world"}, nil),
	}
	svc := newTestService(t, bindConv(conv), nil)
	sessionID := svc.ActiveSessionID()

	respChan, errChan := svc.StreamChat(sessionID, "greet me", "")
	responses, streamErr := drainStream(t, respChan, errChan)
	require.NoError(t, streamErr)

	// 用户回显 + 3个AI片段 + 完成事件
	require.Len(t, responses, 5)
	assert.Equal(t, "done", responses[len(responses)-1].Phase)
	assert.Equal(t, string(model.ModelGeneral), responses[len(responses)-1].Model)

	session, err := svc.GetSession(sessionID)
	require.NoError(t, err)
	require.Len(t, session.Messages, 3) // 欢迎语 + 用户消息 + AI回复

	reply := session.Messages[2]
	assert.Equal(t, model.SenderAI, reply.Sender)
	assert.Equal(t, "Hello, world", reply.Text)
	assert.Equal(t, model.ModelGeneral, reply.ModelUsed)

	assert.Equal(t, []string{"Hello, world"}, conv.recorded())
}

func TestStreamChatDerivesTitleOnce(t *testing.T) {
	conv := &scriptedConv{
		variant: model.ModelGeneral,
		sendFn:  streamOf([]string{"ok"}, nil),
	}
	svc := newTestService(t, bindConv(conv), nil)
	sessionID := svc.ActiveSessionID()

	respChan, errChan := svc.StreamChat(sessionID, "first question about stars", "")
	_, err := drainStream(t, respChan, errChan)
	require.NoError(t, err)

	session, getErr := svc.GetSession(sessionID)
	require.NoError(t, getErr)
	assert.Equal(t, model.DeriveTitle("first question about stars"), session.Title)

	// 标题只由首条用户消息推导，后续交换不改写
	respChan, errChan = svc.StreamChat(sessionID, "second question", "")
	_, err = drainStream(t, respChan, errChan)
	require.NoError(t, err)

	session, getErr = svc.GetSession(sessionID)
	require.NoError(t, getErr)
	assert.Equal(t, model.DeriveTitle("first question about stars"), session.Title)
}

func TestStreamChatRejectsEmptyMessage(t *testing.T) {
	svc := newTestService(t, nil, nil)

	respChan, errChan := svc.StreamChat(svc.ActiveSessionID(), "   ", "")
	_, err := drainStream(t, respChan, errChan)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStreamChatImageOnlyUsesDefaultPrompt(t *testing.T) {
	var gotText string
	conv := &scriptedConv{variant: model.ModelGeneral}
	conv.sendFn = func(ctx context.Context, content llm.Content) (*schema.StreamReader[*schema.Message], error) {
		gotText = content.Text
		return streamOf([]string{"这是一张图片"}, nil)(ctx, content)
	}
	svc := newTestService(t, bindConv(conv), nil)

	respChan, errChan := svc.StreamChat(svc.ActiveSessionID(), "", "data:image/png;base64,AAAA")
	_, err := drainStream(t, respChan, errChan)
	require.NoError(t, err)

	assert.Equal(t, DefaultImagePrompt, gotText)
}

func TestStreamChatRejectsInactiveSession(t *testing.T) {
	svc := newTestService(t, nil, nil)

	respChan, errChan := svc.StreamChat("not-the-active-one", "hello", "")
	_, err := drainStream(t, respChan, errChan)
	assert.ErrorIs(t, err, ErrSessionInactive)
}

func TestStreamChatRejectsConcurrentExchange(t *testing.T) {
	release := make(chan struct{})
	conv := &scriptedConv{variant: model.ModelGeneral}
	conv.sendFn = func(ctx context.Context, content llm.Content) (*schema.StreamReader[*schema.Message], error) {
		<-release
		return streamOf(nil, nil)(ctx, content)
	}
	svc := newTestService(t, bindConv(conv), nil)
	sessionID := svc.ActiveSessionID()

	respChan1, errChan1 := svc.StreamChat(sessionID, "first", "")

	// 同一会话同一时刻至多一轮在途交换
	respChan2, errChan2 := svc.StreamChat(sessionID, "second", "")
	_, err := drainStream(t, respChan2, errChan2)
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	_, err = drainStream(t, respChan1, errChan1)
	require.NoError(t, err)
}

func TestStreamChatMidStreamErrorDiscardsPartialText(t *testing.T) {
	conv := &scriptedConv{
		variant: model.ModelGeneral,
		sendFn:  streamOf([]string{"partial answ"}, errors.New("api error: 401 Unauthorized")),
	}
	svc := newTestService(t, bindConv(conv), nil)
	sessionID := svc.ActiveSessionID()

	respChan, errChan := svc.StreamChat(sessionID, "hello", "")
	responses, err := drainStream(t, respChan, errChan)
	assert.ErrorIs(t, err, llm.ErrInvalidCredential)

	last := responses[len(responses)-1]
	assert.Equal(t, "error", last.Phase)
	assert.Equal(t, "invalid_credential", last.ErrorKind)

	// 占位消息只保留错误文案，已累积的部分文本被丢弃
	session, getErr := svc.GetSession(sessionID)
	require.NoError(t, getErr)
	reply := session.Messages[len(session.Messages)-1]
	assert.Equal(t, model.SenderAI, reply.Sender)
	assert.Equal(t, UserMessage(llm.ErrInvalidCredential), reply.Text)
	assert.NotContains(t, reply.Text, "partial")

	assert.Empty(t, conv.recorded())
}

func TestStreamChatWithoutCredentialStaysLocal(t *testing.T) {
	// 默认bind在无凭证时失败，会话降级为本地只读
	svc := newTestService(t, nil, nil)
	sessionID := svc.ActiveSessionID()

	respChan, errChan := svc.StreamChat(sessionID, "hello", "")
	responses, err := drainStream(t, respChan, errChan)
	assert.ErrorIs(t, err, llm.ErrMissingCredential)

	last := responses[len(responses)-1]
	assert.Equal(t, "error", last.Phase)
	assert.Equal(t, "missing_credential", last.ErrorKind)

	// 用户消息与改写后的占位消息都留在注册表里
	session, getErr := svc.GetSession(sessionID)
	require.NoError(t, getErr)
	require.Len(t, session.Messages, 3)
	assert.Equal(t, "hello", session.Messages[1].Text)
	assert.Equal(t, UserMessage(llm.ErrMissingCredential), session.Messages[2].Text)
}

func TestStreamChatStaleStreamDropped(t *testing.T) {
	writerCh := make(chan *schema.StreamWriter[*schema.Message], 1)
	conv := &scriptedConv{variant: model.ModelGeneral}
	conv.sendFn = func(_ context.Context, _ llm.Content) (*schema.StreamReader[*schema.Message], error) {
		reader, writer := schema.Pipe[*schema.Message](10)
		writerCh <- writer
		return reader, nil
	}
	svc := newTestService(t, bindConv(conv), nil)
	oldID := svc.ActiveSessionID()

	respChan, errChan := svc.StreamChat(oldID, "hello", "")

	writer := <-writerCh
	writer.Send(&schema.Message{Role: schema.Assistant, Content: "first"}, nil)

	// 等到第一个AI片段送达，确认它已写入占位消息
	seen := 0
	timeout := time.After(5 * time.Second)
	for seen < 2 {
		select {
		case <-respChan:
			seen++
		case <-timeout:
			t.Fatal("first fragment never arrived")
		}
	}

	// 中途新建会话：代数递增，旧流余下的片段一律丢弃
	fresh := svc.StartNewChat(model.ModelGeneral)

	writer.Send(&schema.Message{Role: schema.Assistant, Content: "second"}, nil)
	writer.Close()

	responses, err := drainStream(t, respChan, errChan)
	require.NoError(t, err)
	for _, resp := range responses {
		assert.NotEqual(t, "done", resp.Phase)
	}

	// 旧会话的占位消息停留在切换前的内容，没有被过期流复活
	old, getErr := svc.GetSession(oldID)
	require.NoError(t, getErr)
	reply := old.Messages[len(old.Messages)-1]
	assert.Equal(t, "first", reply.Text)
	assert.Equal(t, model.ModelVariant(""), reply.ModelUsed)

	assert.Empty(t, conv.recorded())

	current, getErr := svc.GetSession(fresh.ID)
	require.NoError(t, getErr)
	require.Len(t, current.Messages, 1)
	assert.True(t, current.Messages[0].IsWelcome())
}

func TestLoadAllSynthesizesAndIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil, nil)

	activeID := svc.ActiveSessionID()
	require.NotEmpty(t, activeID)

	session, err := svc.GetSession(activeID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, session.Title)
	require.Len(t, session.Messages, 1)
	assert.True(t, session.Messages[0].IsWelcome())

	// 再次恢复不新建会话，活跃指针不变
	require.NoError(t, svc.LoadAll())
	assert.Equal(t, activeID, svc.ActiveSessionID())

	sessions, err := svc.GetAllSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestLoadAllFallsBackToMostRecent(t *testing.T) {
	svc := newTestService(t, nil, nil)

	first := svc.StartNewChat(model.ModelGeneral)
	time.Sleep(5 * time.Millisecond)
	second := svc.StartNewChat(model.ModelCoder)

	require.NoError(t, svc.SelectSession(first.ID))
	require.NoError(t, svc.LoadAll())
	assert.Equal(t, first.ID, svc.ActiveSessionID())

	// 指针目标消失后回退到最近活动的会话
	require.NoError(t, svc.GetStorage().DeleteSession(first.ID))
	require.NoError(t, svc.LoadAll())
	assert.Equal(t, second.ID, svc.ActiveSessionID())
}

func TestDeleteActiveSessionReResolves(t *testing.T) {
	svc := newTestService(t, nil, nil)

	svc.StartNewChat(model.ModelGeneral)
	active := svc.StartNewChat(model.ModelGeneral)
	require.Equal(t, active.ID, svc.ActiveSessionID())

	require.NoError(t, svc.DeleteSession(active.ID))

	// 注册表恒有一个可解析的活跃会话
	newActive := svc.ActiveSessionID()
	assert.NotEmpty(t, newActive)
	assert.NotEqual(t, active.ID, newActive)

	_, err := svc.GetSession(newActive)
	assert.NoError(t, err)
}

func TestClearAllSessionsSynthesizesFresh(t *testing.T) {
	svc := newTestService(t, nil, nil)

	svc.StartNewChat(model.ModelGeneral)
	svc.StartNewChat(model.ModelCoder)

	require.NoError(t, svc.ClearAllSessions())

	sessions, err := svc.GetAllSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessions[0].ID, svc.ActiveSessionID())
	assert.Equal(t, model.DefaultTitle, sessions[0].Title)
}

func TestGenerateImageRequiresLogin(t *testing.T) {
	svc := newTestService(t, nil, nil)
	sessionID := svc.ActiveSessionID()

	_, _, err := svc.GenerateImage(context.Background(), sessionID, "a red fox")
	assert.ErrorIs(t, err, ErrLoginRequired)

	// 未登录被拒绝时不在历史里留下任何痕迹
	session, getErr := svc.GetSession(sessionID)
	require.NoError(t, getErr)
	assert.Len(t, session.Messages, 1)
}

func TestGenerateImageQuotaGate(t *testing.T) {
	user := &model.User{ID: "u1", Email: "u1@example.com", DisplayName: "测试用户"}
	provider := auth.NewLocalProvider(user)
	svc := newTestService(t, nil, provider)
	sessionID := svc.ActiveSessionID()

	_, err := svc.SignIn(context.Background())
	require.NoError(t, err)

	// 预先把当日配额耗尽
	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := svc.tracker.Consume(context.Background(), user.ID, now)
		require.NoError(t, err)
	}

	_, quotaResp, err := svc.GenerateImage(context.Background(), sessionID, "a red fox")
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, 3, quotaResp.Used)
	assert.Equal(t, 0, quotaResp.Remaining)

	// 配额闸门先于生成器检查，历史不被污染
	session, getErr := svc.GetSession(sessionID)
	require.NoError(t, getErr)
	assert.Len(t, session.Messages, 1)
}

func TestGenerateImageWithoutGenerator(t *testing.T) {
	user := &model.User{ID: "u1"}
	provider := auth.NewLocalProvider(user)
	svc := newTestService(t, nil, provider)
	sessionID := svc.ActiveSessionID()

	_, err := svc.SignIn(context.Background())
	require.NoError(t, err)

	// 配额未满但未配置图片生成凭证
	_, _, err = svc.GenerateImage(context.Background(), sessionID, "a red fox")
	assert.ErrorIs(t, err, llm.ErrMissingCredential)

	session, getErr := svc.GetSession(sessionID)
	require.NoError(t, getErr)
	assert.Len(t, session.Messages, 1)
}

func TestQuotaStatus(t *testing.T) {
	user := &model.User{ID: "u1"}
	provider := auth.NewLocalProvider(user)
	svc := newTestService(t, nil, provider)

	// 未登录时配额甚至不被查询
	_, err := svc.QuotaStatus()
	assert.ErrorIs(t, err, ErrLoginRequired)

	_, err = svc.SignIn(context.Background())
	require.NoError(t, err)

	resp, err := svc.QuotaStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Limit)
	assert.Equal(t, 0, resp.Used)
	assert.Equal(t, 3, resp.Remaining)

	_, err = svc.tracker.Consume(context.Background(), user.ID, time.Now())
	require.NoError(t, err)

	resp, err = svc.QuotaStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Used)
	assert.Equal(t, 2, resp.Remaining)
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{llm.ErrMissingCredential, "missing_credential"},
		{llm.ErrInvalidCredential, "invalid_credential"},
		{llm.ErrSendFailed, "send_failed"},
		{quota.ErrQuotaExceeded, "quota_exceeded"},
		{ErrLoginRequired, "login_required"},
		{errors.New("anything else"), "internal_error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.kind, ErrorKind(tt.err))
	}
}
