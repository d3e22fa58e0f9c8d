// Package server 承载 Fiber HTTP 服务：请求 ID 与 recover 中间件、错误类别到
// 状态码的映射、具名数据源注册表以及上游共享 http.Client。
// 具体路由由 proxy、wms、cadastre 与 routes 包在启动阶段挂载，本包只保留窄接口，
// 所有依赖显式注入。
package server
